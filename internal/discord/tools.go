package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// RegisterTools adds the Discord operations to the registry. The tool
// descriptions steer the agent through the discovery chain: list guilds
// first, then channels, then act on a channel ID.
func RegisterTools(r *tools.Registry, client *Client, logger *slog.Logger) {
	r.Register(&tools.Tool{
		Name:        "discord_list_guilds",
		Description: "List all Discord servers (guilds) the bot is a member of. Use this FIRST to find the 'guild_id' needed by other Discord tools.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			guilds, err := client.ListGuilds(ctx)
			if err != nil {
				return "", fmt.Errorf("list guilds: %w", err)
			}
			if len(guilds) == 0 {
				return "The bot is not a member of any servers.", nil
			}
			var b strings.Builder
			for _, g := range guilds {
				fmt.Fprintf(&b, "- %s (ID: %s)\n", g.Name, g.ID)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "discord_list_channels",
		Description: "List the text channels in a Discord server. Requires a 'guild_id' from discord_list_guilds. Use this to find the 'channel_id' for reading or sending messages.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"guild_id": map[string]any{
					"type":        "string",
					"description": "The numeric ID of the server.",
				},
			},
			"required": []string{"guild_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			guildID, err := stringArg(args, "guild_id")
			if err != nil {
				return "", err
			}
			channels, err := client.ListChannels(ctx, guildID)
			if err != nil {
				return "", fmt.Errorf("list channels: %w", err)
			}
			var b strings.Builder
			for _, ch := range channels {
				if ch.Type != ChannelTypeText {
					continue
				}
				fmt.Fprintf(&b, "- #%s (ID: %s)\n", ch.Name, ch.ID)
			}
			if b.Len() == 0 {
				return "No text channels found in that server.", nil
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "discord_read_messages",
		Description: "Read the most recent messages from a Discord channel. Requires a 'channel_id' from discord_list_channels.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel_id": map[string]any{
					"type":        "string",
					"description": "The numeric ID of the channel.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "How many messages to fetch. Defaults to 5.",
				},
			},
			"required": []string{"channel_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channelID, err := stringArg(args, "channel_id")
			if err != nil {
				return "", err
			}
			limit := intArg(args, "limit", 5)
			messages, err := client.ReadMessages(ctx, channelID, limit)
			if err != nil {
				return "", fmt.Errorf("read messages: %w", err)
			}
			if len(messages) == 0 {
				return "The channel has no messages.", nil
			}
			var b strings.Builder
			// The API returns newest first; present oldest first so the
			// conversation reads top to bottom.
			for i := len(messages) - 1; i >= 0; i-- {
				m := messages[i]
				fmt.Fprintf(&b, "%s: %s\n", m.Author.Username, m.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "discord_send_message",
		Description: "Send a message to a Discord channel. Requires a 'channel_id' from discord_list_channels. This is the final step when the user asks you to post or reply on Discord.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel_id": map[string]any{
					"type":        "string",
					"description": "The numeric ID of the channel.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The message text to send.",
				},
			},
			"required": []string{"channel_id", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channelID, err := stringArg(args, "channel_id")
			if err != nil {
				return "", err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			msg, err := client.SendMessage(ctx, channelID, content)
			if err != nil {
				return "", fmt.Errorf("send message: %w", err)
			}
			logger.Info("sent discord message", "channel_id", channelID, "message_id", msg.ID)
			return fmt.Sprintf("Message sent successfully! (ID: %s)", msg.ID), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "discord_get_server_info",
		Description: "Get details about a Discord server, including its member count. Requires a 'guild_id' from discord_list_guilds.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"guild_id": map[string]any{
					"type":        "string",
					"description": "The numeric ID of the server.",
				},
			},
			"required": []string{"guild_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			guildID, err := stringArg(args, "guild_id")
			if err != nil {
				return "", err
			}
			g, err := client.GetGuild(ctx, guildID)
			if err != nil {
				return "", fmt.Errorf("get server info: %w", err)
			}
			return fmt.Sprintf("Server: %s (ID: %s)\nMembers: ~%d", g.Name, g.ID, g.ApproxMemberCount), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "discord_list_users",
		Description: "List or search for users in a Discord server by name or display name. Use this to find a User ID when you only know the name (e.g. 'Jonah'). Requires a 'guild_id' from discord_list_guilds.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"guild_id": map[string]any{
					"type":        "string",
					"description": "The numeric ID of the server.",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Optional name filter. Omit to list everyone.",
				},
			},
			"required": []string{"guild_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			guildID, err := stringArg(args, "guild_id")
			if err != nil {
				return "", err
			}
			query, _ := args["query"].(string)
			members, err := client.ListMembers(ctx, guildID)
			if err != nil {
				return "", fmt.Errorf("list users: %w", err)
			}
			return formatMemberMatches(members, query), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "discord_lookup_user",
		Description: "Look up a Discord user by ID. Accepts a raw numeric ID or a mention like <@123456789>.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "The user's numeric ID or mention.",
				},
			},
			"required": []string{"user_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := stringArg(args, "user_id")
			if err != nil {
				return "", err
			}
			u, err := client.LookupUser(ctx, CleanMention(userID))
			if err != nil {
				return "", fmt.Errorf("lookup user: %w", err)
			}
			name := u.GlobalName
			if name == "" {
				name = u.Username
			}
			return fmt.Sprintf("User: %s (username: %s, ID: %s)", name, u.Username, u.ID), nil
		},
	})
}

// memberListCap bounds the tool output; guilds can hold thousands of
// members and the full roster would swamp the model's context.
const memberListCap = 20

// formatMemberMatches filters members by a case-insensitive substring of
// username, global display name, or guild nickname, and renders one line
// per match up to memberListCap.
func formatMemberMatches(members []Member, query string) string {
	term := strings.ToLower(query)

	var matches []string
	for _, m := range members {
		display := m.Nick
		if display == "" {
			display = m.User.GlobalName
		}
		if display == "" {
			display = m.User.Username
		}
		if term != "" &&
			!strings.Contains(strings.ToLower(m.User.Username), term) &&
			!strings.Contains(strings.ToLower(m.User.GlobalName), term) &&
			!strings.Contains(strings.ToLower(display), term) {
			continue
		}
		matches = append(matches, fmt.Sprintf("Name: %s | Display: %s | ID: %s | Bot: %t",
			m.User.Username, display, m.User.ID, m.User.Bot))
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No users found matching '%s'.", query)
	}
	out := strings.Join(matches[:min(len(matches), memberListCap)], "\n")
	if len(matches) > memberListCap {
		out += fmt.Sprintf("\n...and %d more.", len(matches)-memberListCap)
	}
	return out
}

// CleanMention strips mention markup (<@id>, <@!id>) down to the bare ID.
func CleanMention(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<@!")
	s = strings.TrimPrefix(s, "<@")
	s = strings.TrimSuffix(s, ">")
	return s
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
