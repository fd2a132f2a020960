// Package landmarks provides eye-opening extractors.
//
// Worker drives an external landmark-detection process (typically a Python
// face-mesh script) over a length-prefixed msgpack protocol. Synthetic
// produces a scripted signal for demos without a model.
package landmarks
