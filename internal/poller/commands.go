package poller

import (
	"fmt"
	"readwise-autosave/internal/bluesky"
	"strings"

	"mvdan.cc/xurls/v2"
)

type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandHelp
	CommandSettings
	CommandRegister
	CommandSave
)

const linksFlag = "+links"

// Command is a parsed direct message.
type Command struct {
	Kind CommandKind
	// PostURL and PostURI are set for CommandSave.
	PostURL      string
	PostURI      string
	Note         string
	ExtractLinks bool
	// Token is set for CommandRegister.
	Token string
	Text  string
}

var urlRegexp = xurls.Strict()

// ParseCommand reads a message sent to the bot. The first bsky.app post URL in
// the text is a save request; text after it is the note.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)

	switch {
	case strings.EqualFold(text, "help"):
		return Command{Kind: CommandHelp, Text: text}
	case strings.EqualFold(text, "settings"):
		return Command{Kind: CommandSettings, Text: text}
	}

	if fields := strings.Fields(text); len(fields) > 0 && strings.EqualFold(fields[0], "register") {
		if len(fields) != 2 {
			return Command{Kind: CommandUnknown, Text: text}
		}

		return Command{Kind: CommandRegister, Token: fields[1], Text: text}
	}

	for _, loc := range urlRegexp.FindAllStringIndex(text, -1) {
		postURL := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?)")

		uri, err := bluesky.PostURLToATURI(postURL)
		if err != nil {
			continue
		}

		rest := text[loc[1]:]
		extract := strings.Contains(text, linksFlag)

		return Command{
			Kind:         CommandSave,
			PostURL:      postURL,
			PostURI:      uri,
			Note:         strings.Join(strings.Fields(strings.ReplaceAll(rest, linksFlag, "")), " "),
			ExtractLinks: extract,
			Text:         text,
		}
	}

	return Command{Kind: CommandUnknown, Text: text}
}

func helpMessage() string {
	return `Readwise Autosave

Commands:
- Send a post URL to save it
- URL +links: also save the linked pages
- URL your note: add a note to the highlight
- register <token>: connect your Readwise token
- settings: get the settings link
- help: show this message

Examples:
https://bsky.app/profile/user.bsky.social/post/abc123
https://bsky.app/profile/user.bsky.social/post/abc123 +links
https://bsky.app/profile/user.bsky.social/post/abc123 Great thread!`
}

func settingsMessage(settingsURL string) string {
	if settingsURL == "" {
		return "Settings are managed by the service operator."
	}

	return fmt.Sprintf("Manage your settings at %s", settingsURL)
}

func unknownMessage() string {
	return "I didn't understand that.\n\n" + helpMessage()
}
