package splitter

// boundary marks a safe seam between two top-level records inside the data
// object: comma is the offset of the separating ',', key the offset of the
// '"' opening the next record's identifier. Both are absolute file offsets.
type boundary struct {
	comma int64
	key   int64
}

// scanBoundaries is the explicit state machine behind the splitter. It walks
// the window (whose first byte sits at absolute offset base) tracking
// in-string and escape state, and emits every candidate seam: a '}' outside
// any string, followed by optional whitespace, a ',', optional whitespace and
// a quoted key whose value opens an object. Record values in the corpus are
// always objects, so only genuine record seams (and pathological content that
// the caller's streaming validation rejects) match.
//
// The scan may begin mid-record or even mid-string, in which case the string
// state assumption is wrong and early candidates can be bogus; callers must
// validate every candidate before trusting it.
func scanBoundaries(window []byte, base int64) []boundary {
	var out []boundary
	inString, escape := false, false

	for i := 0; i < len(window); i++ {
		b := window[i]
		if inString {
			switch {
			case escape:
				escape = false
			case b == '\\':
				escape = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '}':
			if cand, ok := matchSeam(window, i, base); ok {
				out = append(out, cand)
			}
		}
	}
	return out
}

// matchSeam checks whether the '}' at index i is followed by the exact seam
// pattern `, "<key>" : {`. It never consumes scanner state; the main loop
// continues from i+1 regardless.
func matchSeam(window []byte, i int, base int64) (boundary, bool) {
	j := skipSpace(window, i+1)
	if j >= len(window) || window[j] != ',' {
		return boundary{}, false
	}
	comma := j

	j = skipSpace(window, j+1)
	if j >= len(window) || window[j] != '"' {
		return boundary{}, false
	}
	key := j

	// Walk the quoted key honoring escapes.
	j++
	for j < len(window) {
		switch window[j] {
		case '\\':
			j += 2
			continue
		case '"':
			j++
		default:
			j++
			continue
		}
		break
	}
	if j > len(window) {
		return boundary{}, false
	}

	j = skipSpace(window, j)
	if j >= len(window) || window[j] != ':' {
		return boundary{}, false
	}
	j = skipSpace(window, j+1)
	if j >= len(window) || window[j] != '{' {
		return boundary{}, false
	}

	return boundary{comma: base + int64(comma), key: base + int64(key)}, true
}

func skipSpace(window []byte, i int) int {
	for i < len(window) {
		switch window[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}
