// Package watchpage discovers the signaling endpoint of a broadcast from
// its HTML landing page. The page embeds a JSON blob in the data-props
// attribute of a script tag; the signaling URL sits at one of a handful
// of known paths inside it, with a raw scan of the page as last resort.
package watchpage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gatsunoko/komebyu/internal/jsonutil"
)

// ErrNoSignalingURL means the landing page carried no usable watch
// server URL. Never retried.
var ErrNoSignalingURL = errors.New("watchpage: no signaling URL in landing page")

var (
	embeddedDataRegex = regexp.MustCompile(`<script[^>]*\bid="embedded-data"[^>]*\bdata-props="([^"]*)"`)
	socketURLRegex    = regexp.MustCompile(`wss?://[^\s"'<>\\]+`)
)

// watchServerPaths are probed in order inside the embedded JSON.
var watchServerPaths = []string{
	"site.relive.watchServer.url",
	"site.program.watchServer.url",
	"program.broadcaster.socialGroup.watchServer.url",
	"program.broadcast.watchServer.url",
	"watchServer.url",
}

// Discover fetches a broadcast landing page and returns its signaling URL.
func Discover(ctx context.Context, client *http.Client, userAgent, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", pageURL, err)
	}

	return ExtractSignalingURL(string(body))
}

// ExtractSignalingURL pulls the signaling URL out of a landing page.
func ExtractSignalingURL(html string) (string, error) {
	if m := embeddedDataRegex.FindStringSubmatch(html); m != nil {
		raw := DecodeEntities(m[1])

		var props map[string]any
		if err := json.Unmarshal([]byte(raw), &props); err == nil {
			for _, path := range watchServerPaths {
				if url := jsonutil.PathString(props, path); url != "" {
					return url, nil
				}
			}
			if url := jsonutil.FindString(props, isSocketURL); url != "" {
				return url, nil
			}
		}
	}

	if url := socketURLRegex.FindString(html); url != "" {
		return url, nil
	}

	return "", ErrNoSignalingURL
}

func isSocketURL(s string) bool {
	return strings.HasPrefix(s, "wss://") || strings.HasPrefix(s, "ws://")
}

// namedEntities are the entities the landing page is known to use.
var namedEntities = map[string]rune{
	"amp":  '&',
	"lt":   '<',
	"gt":   '>',
	"quot": '"',
	"apos": '\'',
	"nbsp": '\u00a0',
}

// DecodeEntities decodes the named HTML entities used by the landing
// page, plus numeric &#nnn; and &#xhhh; references. Unknown entities
// pass through untouched.
func DecodeEntities(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '&' {
			b.WriteByte(s[i])
			i++
			continue
		}

		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		name := s[i+1 : i+end]

		if r, ok := decodeEntity(name); ok {
			b.WriteRune(r)
		} else {
			b.WriteString(s[i : i+end+1])
		}
		i += end + 1
	}

	return b.String()
}

func decodeEntity(name string) (rune, bool) {
	if r, ok := namedEntities[name]; ok {
		return r, true
	}
	if len(name) > 1 && name[0] == '#' {
		digits := name[1:]
		base := 10
		if digits[0] == 'x' || digits[0] == 'X' {
			digits = digits[1:]
			base = 16
		}
		if n, err := strconv.ParseUint(digits, base, 32); err == nil && n > 0 {
			return rune(n), true
		}
	}
	return 0, false
}
