package oracle

// Status is the trust state of a collateral type's price source pair.
type Status uint8

const (
	StatusPrimaryWorking Status = iota
	StatusUsingSecondaryPrimaryUntrusted
	StatusBothUntrusted
	StatusUsingSecondaryPrimaryFrozen
	StatusUsingPrimarySecondaryUntrusted
)

func (s Status) String() string {
	switch s {
	case StatusPrimaryWorking:
		return "primary_working"
	case StatusUsingSecondaryPrimaryUntrusted:
		return "using_secondary_primary_untrusted"
	case StatusBothUntrusted:
		return "both_untrusted"
	case StatusUsingSecondaryPrimaryFrozen:
		return "using_secondary_primary_frozen"
	case StatusUsingPrimarySecondaryUntrusted:
		return "using_primary_secondary_untrusted"
	default:
		return "unknown"
	}
}
