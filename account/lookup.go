package account

// Status is the outcome of a lookup.
type Status int

const (
	// NotFound is the zero Status, so an unset Lookup never reads as a hit.
	NotFound Status = iota
	Found
	// Fault means the backing store failed. Callers treat it as NotFound.
	Fault
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Fault:
		return "fault"
	default:
		return "not_found"
	}
}

// Lookup is the tagged result of Store.FindOne and Store.Read. Account is
// set only when Status is Found; Err only when Status is Fault.
type Lookup struct {
	Status  Status
	Account *Account
	Err     error
}

func found(a *Account) Lookup { return Lookup{Status: Found, Account: a} }
func notFound() Lookup { return Lookup{Status: NotFound} }
func fault(err error) Lookup { return Lookup{Status: Fault, Err: err} }
