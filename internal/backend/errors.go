package backend

import "errors"

// errMultiTerminal is returned when a backend stream yields more than one
// terminal result item, which spec Open Question (b) treats as a hard
// protocol violation rather than something to tolerate.
var errMultiTerminal = errors.New("backend: stream yielded more than one terminal result")
