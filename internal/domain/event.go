package domain

// Event is an inbound message or call as normalised by the gateway.
type Event struct {
	Channel string
	From    string
	Body    string
	// SID is the carrier-assigned message or session id.
	SID string
	// CallSID is set for voice events only.
	CallSID string
	// Fields holds optional carrier metadata such as caller city or zip.
	Fields map[string]string
	Media  []Media
}

func (e Event) IsCall() bool { return e.CallSID != "" }
