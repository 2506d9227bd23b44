package vrs

import "fmt"

// State is the lifecycle position of a Pipeline.
//
//	Uninitialized -> Ready -> Gathering -> Reprojecting -> Downsampling
//	  -> Inferring -> Selecting -> Emitting -> Ready
//
// Load returns to Uninitialized before attempting Ready again.
type State int32

const (
	// Uninitialized means no model is loaded; Execute is refused.
	Uninitialized State = iota

	// Ready means a model is loaded and no frame is in flight.
	Ready

	// Gathering validates frame inputs and snapshots settings.
	Gathering

	// Reprojecting remaps history into the current view.
	Reprojecting

	// Downsampling writes the model input.
	Downsampling

	// Inferring runs the forward pass.
	Inferring

	// Selecting chooses a rate per tile.
	Selecting

	// Emitting builds the rate textures and statistics.
	Emitting
)

var stateNames = [...]string{
	Uninitialized: "Uninitialized",
	Ready:         "Ready",
	Gathering:     "Gathering",
	Reprojecting:  "Reprojecting",
	Downsampling:  "Downsampling",
	Inferring:     "Inferring",
	Selecting:     "Selecting",
	Emitting:      "Emitting",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
