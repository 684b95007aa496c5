package svn

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// AuthorMap translates SVN usernames to Git author identities.
type AuthorMap struct {
	byUser map[string]string
}

// LoadAuthorMap reads an authors file with one mapping per line:
//
//	jdoe = John Doe <john@example.com>
//
// Blank lines and lines starting with # are ignored.
func LoadAuthorMap(path string) (*AuthorMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open authors file: %w", err)
	}
	defer f.Close()

	am := NewAuthorMap()
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, identity, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("authors file line %d: missing '='", lineno)
		}
		am.byUser[strings.TrimSpace(user)] = strings.TrimSpace(identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read authors file: %w", err)
	}
	return am, nil
}

// NewAuthorMap returns an empty map; lookups fall back to a synthetic
// identity.
func NewAuthorMap() *AuthorMap {
	return &AuthorMap{byUser: make(map[string]string)}
}

// Put adds or replaces a mapping.
func (am *AuthorMap) Put(user, identity string) {
	am.byUser[user] = identity
}

// Lookup returns the Git identity for an SVN username. Unknown users
// become "user <user@localhost>"; an empty username becomes "nobody".
func (am *AuthorMap) Lookup(user string) string {
	if user == "" {
		user = "nobody"
	}
	if identity, ok := am.byUser[user]; ok {
		return identity
	}
	return fmt.Sprintf("%s <%s@localhost>", user, user)
}
