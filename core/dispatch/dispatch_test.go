package dispatch

import "testing"

func baseAccept() Input {
	return Input{
		HasCredit:         true,
		SessionHasCredits: true,
		PluginAccepts:     true,
		Writable:          true,
		Started:           true,
		Transferring:      false,
		StreamerActive:    false,
		AcceptsConsumer:   true,
		FilterMatches:     true,
	}
}

func TestDecide_Accept(t *testing.T) {
	if got := Decide(baseAccept()); got != Accept {
		t.Fatalf("Decide() = %v; want Accept", got)
	}
}

func TestDecide_BusyCases(t *testing.T) {
	tests := []struct {
		name   string
		modify func(Input) Input
	}{
		{"no credit", func(in Input) Input { in.HasCredit = false; return in }},
		{"no session credit", func(in Input) Input { in.SessionHasCredits = false; return in }},
		{"not writable", func(in Input) Input { in.Writable = false; return in }},
		{"not started", func(in Input) Input { in.Started = false; return in }},
		{"transferring", func(in Input) Input { in.Transferring = true; return in }},
		{"streamer active", func(in Input) Input { in.StreamerActive = true; return in }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.modify(baseAccept())); got != Busy {
				t.Fatalf("Decide() = %v; want Busy", got)
			}
		})
	}
}

func TestDecide_NoMatchCases(t *testing.T) {
	tests := []struct {
		name   string
		modify func(Input) Input
	}{
		{"plugin veto", func(in Input) Input { in.PluginAccepts = false; return in }},
		{"does not accept consumer", func(in Input) Input { in.AcceptsConsumer = false; return in }},
		{"filter mismatch", func(in Input) Input { in.FilterMatches = false; return in }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.modify(baseAccept())); got != NoMatch {
				t.Fatalf("Decide() = %v; want NoMatch", got)
			}
		})
	}
}

// Ordering: credit/session checks short-circuit before the plugin
// veto, which short-circuits before the locked checks.
func TestDecide_CreditShortCircuitsBeforePluginVeto(t *testing.T) {
	in := baseAccept()
	in.HasCredit = false
	in.PluginAccepts = false // would also fail, but credit must win
	if got := Decide(in); got != Busy {
		t.Fatalf("Decide() = %v; want Busy (credit check should short-circuit first)", got)
	}
}

func TestDecide_StreamerActive_AlwaysBusy(t *testing.T) {
	// While a large-message streamer is active, every handle returns
	// BUSY, regardless of any other field.
	in := baseAccept()
	in.StreamerActive = true
	in.FilterMatches = false
	in.AcceptsConsumer = false
	if got := Decide(in); got != Busy {
		t.Fatalf("Decide() = %v; want Busy with active streamer", got)
	}
}
