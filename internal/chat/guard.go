package chat

import (
	"fmt"
	"strings"
)

// Reply is the guarded result of one streamed completion.
type Reply struct {
	Text string
	// Truncated reports that the text was cut at a line where the model
	// began speaking as another participant; TruncatedSpeaker names them.
	Truncated        bool
	TruncatedSpeaker string
	Usage            Usage
}

// Collect drains a stream into the final reply and applies the output
// guard: a leading "Self:" speaker label is stripped, and the reply is
// truncated at the first line where the model starts speaking as another
// known participant.
func Collect(s Stream, selfName string, otherNames []string) (Reply, error) {
	defer s.Close()

	var sb strings.Builder
	var usage Usage
	for s.Next() {
		c := s.Current()
		sb.WriteString(c.Text)
		if c.Usage != nil {
			usage = *c.Usage
		}
	}
	if err := s.Err(); err != nil {
		return Reply{Usage: usage}, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}

	text := strings.TrimSpace(sb.String())
	text = stripSelfLabel(text, selfName)
	text, speaker := truncateAtOtherSpeaker(text, otherNames)

	return Reply{
		Text:             strings.TrimSpace(text),
		Truncated:        speaker != "",
		TruncatedSpeaker: speaker,
		Usage:            usage,
	}, nil
}

// stripSelfLabel removes the model's habit of prefixing its reply with
// its own speaker label, which it learned from the rendered history.
func stripSelfLabel(text, selfName string) string {
	if selfName == "" {
		return text
	}
	for _, label := range []string{selfName + ":", "@" + selfName + ":"} {
		if strings.HasPrefix(text, label) {
			return strings.TrimSpace(strings.TrimPrefix(text, label))
		}
	}
	return text
}

// truncateAtOtherSpeaker cuts the reply at the first line that opens with
// another participant's speaker label, so the model never puts words in
// someone else's mouth. Returns the kept text and the speaker whose label
// triggered the cut, if any.
func truncateAtOtherSpeaker(text string, otherNames []string) (string, string) {
	if len(otherNames) == 0 {
		return text, ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, name := range otherNames {
			if name == "" {
				continue
			}
			if strings.HasPrefix(trimmed, name+":") || strings.HasPrefix(trimmed, "@"+name+":") {
				return strings.Join(lines[:i], "\n"), name
			}
		}
	}
	return text, ""
}
