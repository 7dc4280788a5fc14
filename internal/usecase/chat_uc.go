package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ ChatUseCase = (*chatUC)(nil)

type ChatUseCase interface {
	// SendMessage shows the message immediately, asks the agent to answer it
	// and withdraws the message again if the request fails.
	SendMessage(ctx context.Context, projectID, content string, agentType model.AgentType) (*adapter.RunAgentResponse, error)
	ListMessages(ctx context.Context, projectID string) (View[[]*model.ChatMessage], error)
}

type ChatOptions struct {
	HistoryWindow int
	SendTimeout   time.Duration // zero = wait for the gateway
	Dev           bool
}

type chatUC struct {
	store    *cache.Store
	gw       adapter.RequestGateway
	notifier adapter.Notifier
	ids      *model.ProvisionalIDs
	opts     ChatOptions
	log      *zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewChatUseCase(store *cache.Store, gw adapter.RequestGateway, notifier adapter.Notifier, ids *model.ProvisionalIDs, opts ChatOptions, log *zerolog.Logger) *chatUC {
	if ids == nil {
		ids = model.NewProvisionalIDs()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &chatUC{
		store:    store,
		gw:       gw,
		notifier: notifier,
		ids:      ids,
		opts:     opts,
		log:      logging.Component(log, "chat"),
		inFlight: make(map[string]struct{}),
	}
}

func (c *chatUC) SendMessage(ctx context.Context, projectID, content string, agentType model.AgentType) (*adapter.RunAgentResponse, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		metrics.IncChatSend("rejected_empty")
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidArgument)
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: missing project id", domain.ErrInvalidArgument)
	}
	if !c.begin(projectID) {
		metrics.IncChatSend("rejected_in_flight")
		return nil, domain.ErrSendInFlight
	}
	defer c.end(projectID)

	ctx = logging.WithProjectID(ctx, projectID)
	log := logging.With(ctx, c.log)
	key := cache.ProjectMessagesKey(projectID)

	var history []map[string]any
	msgID := c.ids.Next()
	h, err := c.store.WriteOptimistic(key, func(cur any) (any, error) {
		prev, _ := cur.([]*model.ChatMessage)
		history = historyOf(prev, c.opts.HistoryWindow)
		next := make([]*model.ChatMessage, 0, len(prev)+1)
		next = append(next, prev...)
		return append(next, model.NewProvisionalMessage(msgID, projectID, content)), nil
	}, cache.WithRollback(func(cur any) (any, error) {
		msgs, _ := cur.([]*model.ChatMessage)
		return model.WithoutMessage(msgs, msgID), nil
	}))
	if err != nil {
		return nil, err
	}
	log.Debug().Str("message_id", msgID).Str("content", logging.Redact(content, c.opts.Dev)).Msg("provisional message added")

	callCtx := ctx
	if c.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.SendTimeout)
		defer cancel()
	}
	resp, sendErr := c.gw.RunAgent(callCtx, adapter.RunAgentRequest{
		ProjectID: projectID,
		AgentType: agentType,
		InputContext: map[string]any{
			"message": content,
			"history": history,
		},
	})

	if err := c.store.ConfirmOrRollback(h, sendErr); err != nil {
		log.Error().Err(err).Str("message_id", msgID).Msg("resolving provisional message failed")
	}
	if sendErr != nil {
		metrics.IncChatSend("rolled_back")
		log.Warn().Err(sendErr).Str("message_id", msgID).Msg("message send failed; provisional message withdrawn")
		c.notifySendFailure(ctx, projectID, sendErr)
		return nil, sendErr
	}
	metrics.IncChatSend("sent")
	log.Info().Str("job_id", resp.JobID).Msg("message sent")
	return resp, nil
}

func (c *chatUC) ListMessages(ctx context.Context, projectID string) (View[[]*model.ChatMessage], error) {
	return viewOf[[]*model.ChatMessage](c.store.Get(ctx, cache.ProjectMessagesKey(projectID)))
}

func (c *chatUC) begin(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[projectID]; busy {
		return false
	}
	c.inFlight[projectID] = struct{}{}
	return true
}

func (c *chatUC) end(projectID string) {
	c.mu.Lock()
	delete(c.inFlight, projectID)
	c.mu.Unlock()
}

func (c *chatUC) notifySendFailure(ctx context.Context, projectID string, err error) {
	if c.notifier == nil {
		return
	}
	n := adapter.Notification{ProjectID: projectID, Detail: err.Error()}
	var re *domain.RemoteError
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		n.Key = "chat.unauthorized"
	case errors.As(err, &re) && errors.Is(err, domain.ErrRateLimited) && re.RetryAfter > 0:
		n.Key = "chat.rate_limited"
		n.Args = []any{re.RetryAfter.String()}
	default:
		n.Key = "chat.send_failed"
		n.Args = []any{userFacing(err)}
	}
	c.notifier.Notify(ctx, n)
}

// historyOf is the conversation the agent sees, without locally minted
// messages that the server has not acknowledged.
func historyOf(msgs []*model.ChatMessage, window int) []map[string]any {
	confirmed := make([]*model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsProvisional() {
			confirmed = append(confirmed, m)
		}
	}
	recent := model.RecentMessages(confirmed, window)
	out := make([]map[string]any, 0, len(recent))
	for _, m := range recent {
		out = append(out, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	return out
}

func userFacing(err error) string {
	var re *domain.RemoteError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, domain.ErrTransport):
		return "the service could not be reached"
	}
	return err.Error()
}
