// Package fatigue computes ocular-fatigue indicators from per-frame eye
// opening scores.
//
// Indicators:
//   - PERCLOS: percentage of frames in a sliding window where either eye is
//     below the closed threshold
//   - Blink rate: completed blinks per minute over a second sliding window
//   - Alertness: PERCLOS band (normal / caution / alert)
//
// Both windows are sized in seconds and converted to sample counts with the
// instantaneous frame rate measured by the analyzer, so their length follows
// the real processing rate rather than the nominal camera rate.
//
// Frames where the extractor fails, or does not see exactly one face, do
// not touch the windows and produce a record whose analysis fields are NaN.
package fatigue
