package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
	"github.com/matiasleandrokruk/chatrelay/internal/relay"
)

// DefaultTemperature applies when a request omits temperature.
const DefaultTemperature = 0.7

// ChatService runs exchanges. *chat.Orchestrator implements it.
type ChatService interface {
	SendTurn(ctx context.Context, req chat.TurnRequest) (*chat.Reply, error)
	StreamTurn(ctx context.Context, req chat.TurnRequest) (<-chan chat.ChunkEvent, error)
}

// ChatOptions tune request decoding and the WebSocket upgrade.
type ChatOptions struct {
	// MaxBodyBytes bounds one request body or WebSocket message. Zero means 1 MiB.
	MaxBodyBytes int64
	// AllowedOrigins are accepted WebSocket origins besides the request host.
	AllowedOrigins []string
}

type ChatHandler struct {
	chatService ChatService
	maxBody     int64
	upgrader    websocket.Upgrader
}

func NewChatHandler(chatService ChatService, opts ChatOptions) *ChatHandler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &ChatHandler{
		chatService: chatService,
		maxBody:     opts.MaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
	}
}

type chatRequest struct {
	ConversationID string   `json:"conversationId"`
	Message        string   `json:"message"`
	Model          string   `json:"model"`
	Temperature    *float64 `json:"temperature,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
}

func (c chatRequest) toTurn(identity string) chat.TurnRequest {
	temp := DefaultTemperature
	if c.Temperature != nil {
		temp = *c.Temperature
	}
	return chat.TurnRequest{
		ConversationID: c.ConversationID,
		Owner:          identity,
		Message:        c.Message,
		Model:          c.Model,
		Temperature:    temp,
		SystemPrompt:   c.SystemPrompt,
	}
}

// Send handles POST /api/v1/chat.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}

	reply, err := h.chatService.SendTurn(r.Context(), turn)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Stream handles POST /api/v1/chat/stream as server-sent events.
// Failures before the first frame are plain JSON errors; later ones arrive as the final frame.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, chat.CodeInternal, "streaming not supported")
		return
	}
	turn, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}

	events, err := h.chatService.StreamTurn(r.Context(), turn)
	if err != nil {
		writeChatError(w, err)
		return
	}

	sink, err := relay.NewSSESink(w)
	if err != nil {
		for range events {
		}
		writeError(w, http.StatusInternalServerError, chat.CodeInternal, "streaming not supported")
		return
	}
	res := relay.Relay(r.Context(), events, sink)
	logRelay(turn, "sse", res)
}

// WebSocket handles GET /api/v1/chat/ws. Each text message is one chat request; exchanges
// on a connection run one at a time and reply with frames.
func (h *ChatHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := getIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "missing identity")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}
	defer conn.Close() //nolint:errcheck
	conn.SetReadLimit(h.maxBody)

	// Cancelled when the peer goes away, so a non-detaching exchange stops with it.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs := make(chan []byte)
	go func() {
		defer cancel()
		defer close(msgs)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	sink := relay.NewWebSocketSink(conn)
	for data := range msgs {
		h.wsTurn(ctx, identity, data, sink)
	}
}

func (h *ChatHandler) wsTurn(ctx context.Context, identity string, data []byte, sink *relay.WebSocketSink) {
	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeWSError(sink, chat.CodeInvalidParameter, "invalid request body")
		return
	}
	turn := req.toTurn(identity)

	events, err := h.chatService.StreamTurn(ctx, turn)
	if err != nil {
		writeWSError(sink, chat.CodeOf(err), chat.MessageOf(err))
		return
	}
	res := relay.Relay(ctx, events, sink)
	logRelay(turn, "websocket", res)
}

// wsError is a final frame that also carries the error code.
type wsError struct {
	relay.Frame
	Code chat.Code `json:"code"`
}

func writeWSError(sink *relay.WebSocketSink, code chat.Code, message string) {
	if err := sink.WriteJSON(wsError{Frame: relay.Frame{Done: true, Error: message}, Code: code}); err != nil {
		log.Debug().Err(err).Str("component", "http").Msg("websocket error frame")
	}
}

// decodeTurn reads the JSON body into a TurnRequest. Writes the error response itself on failure.
func (h *ChatHandler) decodeTurn(w http.ResponseWriter, r *http.Request) (chat.TurnRequest, bool) {
	identity, err := getIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "missing identity")
		return chat.TurnRequest{}, false
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, chat.CodeTooLong, "request body too large")
			return chat.TurnRequest{}, false
		}
		writeError(w, http.StatusBadRequest, chat.CodeInvalidParameter, "invalid request body")
		return chat.TurnRequest{}, false
	}
	return req.toTurn(identity), true
}

func logRelay(turn chat.TurnRequest, transport string, res relay.Result) {
	log.Debug().
		Str("component", "http").
		Str("transport", transport).
		Str("conv_id", turn.ConversationID).
		Str("identity", turn.Owner).
		Int("frames", res.Frames).
		Bool("detached", res.Detached).
		Bool("failed", res.Failure != "").
		Msg("stream relayed")
}

// checkOrigin accepts requests without an Origin header, same-host origins and the allow list.
func checkOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
