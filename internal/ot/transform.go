package ot

// Transform rebases op so it applies after against has been applied.
// against wins ties between inserts at the same offset. A delete that spans
// a concurrent insert is split so the inserted text survives.
func Transform(op, against Operation) []Operation {
	return transform(op, against, false)
}

// TransformAll rebases the sequence ops over the sequence against. Both
// lists are in application order; against wins ties.
func TransformAll(ops, against []Operation) []Operation {
	rebased, _ := xform(ops, against)
	return rebased
}

// xform returns (a', b') such that applying a then b' yields the same buffer
// as applying b then a'. b takes precedence on insert ties.
func xform(a, b []Operation) ([]Operation, []Operation) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) == 1 && len(b) == 1 {
		return transform(a[0], b[0], false), transform(b[0], a[0], true)
	}
	if len(a) > 1 {
		head, bAfterHead := xform(a[:1], b)
		rest, bAfterAll := xform(a[1:], bAfterHead)
		return append(head, rest...), bAfterAll
	}
	aAfterFirst, first := xform(a, b[:1])
	aAfterAll, rest := xform(aAfterFirst, b[1:])
	return aAfterAll, append(first, rest...)
}

func transform(op, against Operation, opWinsTie bool) []Operation {
	switch {
	case op.Kind == Insert && against.Kind == Insert:
		if against.Position < op.Position || (against.Position == op.Position && !opWinsTie) {
			op.Position += against.Len()
		}
		return []Operation{op}

	case op.Kind == Insert && against.Kind == Delete:
		switch {
		case op.Position <= against.Position:
		case op.Position >= against.End():
			op.Position -= against.Len()
		default:
			op.Position = against.Position
		}
		return []Operation{op}

	case op.Kind == Delete && against.Kind == Insert:
		switch {
		case against.Position <= op.Position:
			op.Position += against.Len()
			return []Operation{op}
		case against.Position >= op.End():
			return []Operation{op}
		}
		payload := []rune(op.Payload)
		cut := against.Position - op.Position
		left, right := op, op
		left.Payload = string(payload[:cut])
		right.Payload = string(payload[cut:])
		right.Position = op.Position + against.Len()
		return []Operation{left, right}

	default:
		return transformDeletes(op, against)
	}
}

func transformDeletes(op, against Operation) []Operation {
	payload := []rune(op.Payload)
	start, end := op.Position, op.End()
	otherStart, otherEnd := against.Position, against.End()

	var kept []rune
	if start < otherStart {
		leftEnd := min(end, otherStart)
		kept = append(kept, payload[:leftEnd-start]...)
	}
	if end > otherEnd {
		rightStart := max(start, otherEnd)
		kept = append(kept, payload[rightStart-start:]...)
	}
	if len(kept) == 0 {
		return nil
	}

	switch {
	case start < otherStart:
	case start >= otherEnd:
		op.Position -= against.Len()
	default:
		op.Position = otherStart
	}
	op.Payload = string(kept)
	return []Operation{op}
}
