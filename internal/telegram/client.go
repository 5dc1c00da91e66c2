// Package telegram is the thin messaging transport: it long-polls for
// updates, parses them into events, and sends rendered text back. No
// trading logic lives here.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/miintlabs/miintradar/internal/httpx"
)

// Event is one parsed inbound update: either free text or a button press.
type Event struct {
	UpdateID   int64
	UserID     string
	ChatID     int64
	Text       string
	Action     string
	CallbackID string
}

// Button is one labeled action; rows group buttons.
type Button struct {
	Label  string
	Action string
	URL    string
}

type Client struct {
	http    *httpx.Client
	baseURL string
}

func New(httpClient *httpx.Client, token string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: "https://api.telegram.org/bot" + strings.TrimSpace(token),
	}
}

// NewWithBaseURL is used by tests to point at a stub server.
func NewWithBaseURL(httpClient *httpx.Client, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// Poll fetches updates after offset with a long-poll timeout in seconds.
func (c *Client) Poll(ctx context.Context, offset int64, timeoutSec int) ([]Event, error) {
	vals := url.Values{}
	vals.Set("offset", strconv.FormatInt(offset+1, 10))
	vals.Set("timeout", strconv.Itoa(timeoutSec))
	endpoint := fmt.Sprintf("%s/getUpdates?%s", c.baseURL, vals.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp updatesResponse
	if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(resp.Result))
	for _, u := range resp.Result {
		ev := Event{UpdateID: u.UpdateID}
		switch {
		case u.Message != nil:
			ev.UserID = strconv.FormatInt(u.Message.From.ID, 10)
			ev.ChatID = u.Message.Chat.ID
			ev.Text = strings.TrimSpace(u.Message.Text)
		case u.CallbackQuery != nil:
			ev.UserID = strconv.FormatInt(u.CallbackQuery.From.ID, 10)
			ev.ChatID = u.CallbackQuery.Message.Chat.ID
			ev.Action = u.CallbackQuery.Data
			ev.CallbackID = u.CallbackQuery.ID
		default:
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

type sendMessageRequest struct {
	ChatID      int64        `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode,omitempty"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// SendMessage delivers text with optional button rows.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, rows [][]Button) error {
	body := sendMessageRequest{ChatID: chatID, Text: text, ParseMode: "Markdown"}
	if len(rows) > 0 {
		markup := &replyMarkup{}
		for _, row := range rows {
			line := make([]inlineButton, 0, len(row))
			for _, b := range row {
				line = append(line, inlineButton{Text: b.Label, CallbackData: b.Action, URL: b.URL})
			}
			markup.InlineKeyboard = append(markup.InlineKeyboard, line)
		}
		body.ReplyMarkup = markup
	}
	_, err := c.http.PostJSON(ctx, c.baseURL+"/sendMessage", body, nil, nil)
	return err
}

// AnswerCallback acknowledges a button press so the client stops spinning.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	body := map[string]string{"callback_query_id": callbackID}
	_, err := c.http.PostJSON(ctx, c.baseURL+"/answerCallbackQuery", body, nil, nil)
	return err
}
