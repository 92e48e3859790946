package transport

import "strings"

// TextLimit stays under Telegram's 4096-character cap to leave room for entities.
const TextLimit = 4000

// SplitText cuts s into chunks of at most limit runes. It prefers a newline,
// then a space, in the last two thirds of each window, and in HTML mode never
// cuts inside a tag.
func SplitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	out := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = cutPoint(rs, start, end, limit)
			if html {
				end = avoidTag(rs, start, end)
			}
		}

		if chunk := strings.TrimRight(string(rs[start:end]), "\n "); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && (rs[start] == '\n' || rs[start] == ' ') {
			start++
		}
	}
	return out
}

func cutPoint(rs []rune, start, end, limit int) int {
	floor := start + limit/3
	for _, sep := range []rune{'\n', ' '} {
		for i := end - 1; i > floor; i-- {
			if rs[i] == sep {
				return i + 1
			}
		}
	}
	return end
}

// avoidTag moves end back to the start of a tag left open in rs[start:end].
func avoidTag(rs []rune, start, end int) int {
	open, closed := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > start {
		return open
	}
	return end
}
