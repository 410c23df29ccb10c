package session

// AppendTurn appends t and drops turns from the oldest end until at most
// limit remain. The new turn is always kept, so an in-flight user turn is
// never evicted before its reply. A limit below 1 is treated as 1.
func AppendTurn(turns []Turn, t Turn, limit int) []Turn {
	if limit < 1 {
		limit = 1
	}
	turns = append(turns, t)
	if excess := len(turns) - limit; excess > 0 {
		// Copy so the dropped prefix does not pin the old backing array.
		turns = append([]Turn(nil), turns[excess:]...)
	}
	return turns
}
