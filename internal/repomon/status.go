// ABOUTME: Repository status snapshot and the git status --porcelain=v2 parser that builds it
// ABOUTME: Equal compares every tracked field except the check timestamp

package repomon

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status is the state of one working copy at a point in time.
type Status struct {
	Path        string    `json:"path"`
	Branch      string    `json:"branch"`
	Upstream    string    `json:"upstream,omitempty"`
	Ahead       int       `json:"ahead"`
	Behind      int       `json:"behind"`
	Modified    []string  `json:"modified"`
	Created     []string  `json:"created"`
	Deleted     []string  `json:"deleted"`
	Renamed     []string  `json:"renamed"`
	Conflicted  []string  `json:"conflicted"`
	Dirty       bool      `json:"dirty"`
	LastChecked time.Time `json:"lastChecked"`
}

// Equal reports whether s and other describe the same repository state.
// LastChecked is ignored.
func (s Status) Equal(other Status) bool {
	return s.Path == other.Path &&
		s.Branch == other.Branch &&
		s.Upstream == other.Upstream &&
		s.Ahead == other.Ahead &&
		s.Behind == other.Behind &&
		slices.Equal(s.Modified, other.Modified) &&
		slices.Equal(s.Created, other.Created) &&
		slices.Equal(s.Deleted, other.Deleted) &&
		slices.Equal(s.Renamed, other.Renamed) &&
		slices.Equal(s.Conflicted, other.Conflicted) &&
		s.Dirty == other.Dirty
}

// parsePorcelain builds a Status from `git status --porcelain=v2 --branch -z`
// output. Records are NUL-terminated and paths are not quoted. File lists are
// sorted so equal trees compare equal.
func parsePorcelain(path string, out []byte) (Status, error) {
	st := Status{
		Path:       path,
		Modified:   []string{},
		Created:    []string{},
		Deleted:    []string{},
		Renamed:    []string{},
		Conflicted: []string{},
	}

	records := strings.Split(string(out), "\x00")
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec == "" {
			continue
		}

		switch rec[0] {
		case '#':
			if err := st.parseHeader(rec); err != nil {
				return st, err
			}
		case '1':
			// 1 XY sub mH mI mW hH hI <path>
			fields := strings.SplitN(rec, " ", 9)
			if len(fields) != 9 {
				return st, fmt.Errorf("malformed entry %q", rec)
			}
			st.classify(fields[1], fields[8])
		case '2':
			// 2 XY sub mH mI mW hH hI Xscore <path>, then <origPath> as its own record
			fields := strings.SplitN(rec, " ", 10)
			if len(fields) != 10 || i+1 >= len(records) {
				return st, fmt.Errorf("malformed rename entry %q", rec)
			}
			st.Renamed = append(st.Renamed, fields[9])
			i++
		case 'u':
			// u XY sub m1 m2 m3 mW h1 h2 h3 <path>
			fields := strings.SplitN(rec, " ", 11)
			if len(fields) != 11 {
				return st, fmt.Errorf("malformed unmerged entry %q", rec)
			}
			st.Conflicted = append(st.Conflicted, fields[10])
		case '?':
			st.Created = append(st.Created, strings.TrimPrefix(rec, "? "))
		case '!':
			// ignored files
		default:
			return st, fmt.Errorf("unexpected status record %q", rec)
		}
	}

	for _, list := range [][]string{st.Modified, st.Created, st.Deleted, st.Renamed, st.Conflicted} {
		slices.Sort(list)
	}
	st.Dirty = len(st.Modified)+len(st.Created)+len(st.Deleted)+len(st.Renamed)+len(st.Conflicted) > 0
	return st, nil
}

func (s *Status) parseHeader(line string) error {
	key, value, _ := strings.Cut(strings.TrimPrefix(line, "# "), " ")
	switch key {
	case "branch.head":
		s.Branch = value
	case "branch.upstream":
		s.Upstream = value
	case "branch.ab":
		ahead, behind, ok := strings.Cut(value, " ")
		if !ok {
			return fmt.Errorf("malformed branch.ab %q", value)
		}
		var err error
		if s.Ahead, err = strconv.Atoi(strings.TrimPrefix(ahead, "+")); err != nil {
			return fmt.Errorf("parsing ahead count: %w", err)
		}
		if s.Behind, err = strconv.Atoi(strings.TrimPrefix(behind, "-")); err != nil {
			return fmt.Errorf("parsing behind count: %w", err)
		}
	}
	return nil
}

// classify files an ordinary change entry by its XY code. Deletions win
// over additions, which win over modifications.
func (s *Status) classify(xy, path string) {
	switch {
	case strings.ContainsRune(xy, 'D'):
		s.Deleted = append(s.Deleted, path)
	case strings.ContainsRune(xy, 'A'):
		s.Created = append(s.Created, path)
	default:
		s.Modified = append(s.Modified, path)
	}
}
