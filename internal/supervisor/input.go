package supervisor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gatsunoko/komebyu/internal/model"
)

var (
	broadcastIDExact = regexp.MustCompile(`^lv\d+$`)
	broadcastIDPath  = regexp.MustCompile(`/(lv\d+)`)
	twitchURLPrefix  = regexp.MustCompile(`^https?://(www\.)?twitch\.tv/`)
)

// ClassifyInput turns arbitrary connect input into a source-specific
// natural key: a broadcast id when the input is or contains one, and a
// lowercased Twitch channel name otherwise.
func ClassifyInput(input string) (model.Source, string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", "", fmt.Errorf("empty input")
	}

	if broadcastIDExact.MatchString(trimmed) {
		return model.SourceNiconico, trimmed, nil
	}
	if m := broadcastIDPath.FindStringSubmatch(trimmed); m != nil {
		return model.SourceNiconico, m[1], nil
	}

	channel := strings.ToLower(trimmed)
	channel = twitchURLPrefix.ReplaceAllString(channel, "")
	channel = strings.TrimPrefix(channel, "#")
	if i := strings.IndexAny(channel, "/?"); i >= 0 {
		channel = channel[:i]
	}
	if channel == "" {
		return "", "", fmt.Errorf("no channel name in %q", input)
	}

	return model.SourceTwitch, channel, nil
}
