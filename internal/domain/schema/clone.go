package schema

// CloneEvent returns a deep copy of evt so that each consumer owns its value.
func CloneEvent(evt *Event) *Event {
	if evt == nil {
		return nil
	}
	out := *evt
	out.Payload = clonePayload(evt.Payload)
	return &out
}

func clonePayload(payload any) any {
	switch p := payload.(type) {
	case BookSnapshotPayload:
		p.Bids = cloneLevels(p.Bids)
		p.Asks = cloneLevels(p.Asks)
		return p
	case *BookSnapshotPayload:
		if p == nil {
			return p
		}
		c := *p
		c.Bids = cloneLevels(p.Bids)
		c.Asks = cloneLevels(p.Asks)
		return &c
	case BookDeltaPayload:
		p.Changes = cloneChanges(p.Changes)
		return p
	case *BookDeltaPayload:
		if p == nil {
			return p
		}
		c := *p
		c.Changes = cloneChanges(p.Changes)
		return &c
	case GenericPayload:
		p.Metadata = cloneMetadata(p.Metadata)
		return p
	case *GenericPayload:
		if p == nil {
			return p
		}
		c := *p
		c.Metadata = cloneMetadata(p.Metadata)
		return &c
	default:
		// remaining payloads are plain values
		return payload
	}
}

func cloneLevels(levels []PriceLevel) []PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}

func cloneChanges(changes []BookChange) []BookChange {
	if changes == nil {
		return nil
	}
	out := make([]BookChange, len(changes))
	copy(out, changes)
	return out
}

func cloneMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
