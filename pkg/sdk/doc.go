// Package sdk describes the vendor eye-tracking SDK as the harness sees it.
//
// Two integration shapes exist in the wild and both are modelled here:
//
//   - CallbackSDK registers event callbacks up front (AddXCallback /
//     RemoveXCallback) and returns booleans from its commands.
//   - InjectedSDK takes the callbacks as arguments to the commands that
//     produce them (StartTracking and StartCalibration).
//
// The calibration code never talks to either directly. It goes through the
// capability interface in package adapter.
package sdk
