// Package frame parses the fixed-width telemetry lines emitted by the robot
// controller.
//
// A canonical line is exactly 62 characters:
//   - the channel name runs from the start of the line to the first space
//   - bytes [12,18) hold a signed decimal value
//   - everything else is ignored
//
// The controller redraws its terminal, so some lines carry a 3 character
// cursor-home prefix (ESC [ H) and arrive 65 characters long.
package frame
