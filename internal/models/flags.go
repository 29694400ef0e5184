package models

// Flags holds the two sticky conversation flags. Values only move up the
// lattice false < true, so Merge is a componentwise OR.
type Flags struct {
	HighPriority bool
	OptedOut     bool
}

func (f Flags) Merge(other Flags) Flags {
	return Flags{
		HighPriority: f.HighPriority || other.HighPriority,
		OptedOut:     f.OptedOut || other.OptedOut,
	}
}

// Covers reports whether every flag set in other is also set in f.
func (f Flags) Covers(other Flags) bool {
	return f.Merge(other) == f
}

// FlagsFor returns the flags an intent raises on its conversation.
func FlagsFor(intent Intent) Flags {
	switch intent {
	case OptOut:
		return Flags{OptedOut: true}
	case Frustrated:
		return Flags{HighPriority: true}
	}
	return Flags{}
}
