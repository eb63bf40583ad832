package models

// ReactionEntry groups the users who reacted to a message with one emoji.
// Count always equals len(Users).
type ReactionEntry struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// Reactions maps emoji to its entry. A user appears under at most one emoji.
type Reactions map[string]ReactionEntry

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, entry := range r {
		out[emoji] = ReactionEntry{
			Emoji: entry.Emoji,
			Users: append([]string(nil), entry.Users...),
			Count: entry.Count,
		}
	}
	return out
}

// EmojiOf returns the emoji userID currently reacted with, if any.
func (r Reactions) EmojiOf(userID string) (string, bool) {
	for emoji, entry := range r {
		for _, u := range entry.Users {
			if u == userID {
				return emoji, true
			}
		}
	}
	return "", false
}

// Apply returns the reaction map after userID adds or retracts emoji.
// Adding retracts any other reaction by the same user first. Retracting a
// reaction the user does not have leaves the map unchanged. The receiver
// is not modified.
func (r Reactions) Apply(userID, emoji string, add bool) (Reactions, bool) {
	next := r.Clone()
	current, has := next.EmojiOf(userID)

	if add && has && current == emoji {
		return next, false
	}
	if !add && (!has || current != emoji) {
		return next, false
	}

	if has {
		next.remove(current, userID)
	}
	if add {
		entry := next[emoji]
		entry.Emoji = emoji
		entry.Users = append(entry.Users, userID)
		entry.Count = len(entry.Users)
		next[emoji] = entry
	}
	return next, true
}

func (r Reactions) remove(emoji, userID string) {
	entry, ok := r[emoji]
	if !ok {
		return
	}
	users := entry.Users[:0]
	for _, u := range entry.Users {
		if u != userID {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		delete(r, emoji)
		return
	}
	entry.Users = users
	entry.Count = len(users)
	r[emoji] = entry
}
