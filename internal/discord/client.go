// Package discord provides a client for the Discord REST API and the
// realtime gateway. The REST client backs the discord_* agent tools;
// the gateway listener is the inbound event source that feeds mentions
// to the agent.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonahgcarpenter/oswald-ai/internal/httpkit"
)

const apiBase = "https://discord.com/api/v10"

// Client is a Discord REST API client authenticated as a bot.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Discord REST client.
func NewClient(token string) *Client {
	return &Client{
		baseURL: apiBase,
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// Guild is a Discord server the bot belongs to.
type Guild struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ApproxMemberCount int    `json:"approximate_member_count"`
}

// Channel is a guild channel. Type 0 is a text channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// ChannelTypeText is the Discord API type for guild text channels.
const ChannelTypeText = 0

// Message is a channel message.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    User   `json:"author"`
	Mentions  []User `json:"mentions"`
}

// User is a Discord user.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

// Member is a guild membership record. Nick is the per-guild display
// name and may be empty.
type Member struct {
	User User   `json:"user"`
	Nick string `json:"nick"`
}

// do performs an authenticated request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, errBody)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListGuilds returns the servers the bot is joined to.
func (c *Client) ListGuilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := c.do(ctx, http.MethodGet, "/users/@me/guilds", nil, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// GetGuild fetches one guild with approximate member counts.
func (c *Client) GetGuild(ctx context.Context, guildID string) (*Guild, error) {
	var g Guild
	path := fmt.Sprintf("/guilds/%s?with_counts=true", url.PathEscape(guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListChannels returns a guild's channels.
func (c *Client) ListChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var channels []Channel
	path := fmt.Sprintf("/guilds/%s/channels", url.PathEscape(guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// ListMembers returns a guild's members. Discord pages this endpoint;
// a single max-size page covers the guilds this bot serves.
func (c *Client) ListMembers(ctx context.Context, guildID string) ([]Member, error) {
	var members []Member
	path := fmt.Sprintf("/guilds/%s/members?limit=1000", url.PathEscape(guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// ReadMessages returns the last limit messages in a channel, oldest
// last per the Discord API's reverse-chronological ordering.
func (c *Client) ReadMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	var messages []Message
	path := fmt.Sprintf("/channels/%s/messages?limit=%s", url.PathEscape(channelID), strconv.Itoa(limit))
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage posts content to a channel and returns the created message.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// LookupUser fetches a user by ID.
func (c *Client) LookupUser(ctx context.Context, userID string) (*User, error) {
	var u User
	path := fmt.Sprintf("/users/%s", url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Me returns the bot's own user record.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
