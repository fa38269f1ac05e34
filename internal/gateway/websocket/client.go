package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/events/bus"
	ws "github.com/grovekit/grove/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one websocket connection with its bus subscriptions.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan *ws.Message
	done chan struct{}
	log  *logger.Logger

	mu   sync.Mutex
	subs map[string][]bus.Subscription

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan *ws.Message, 256),
		done: make(chan struct{}),
		subs: make(map[string][]bus.Subscription),
		log:  log.WithFields(zap.String("component", "ws-client"), zap.String("client_id", id)),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.clearSubscriptions()
		_ = c.conn.Close()
	})
}

// readPump consumes request messages until the peer goes away.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message", nil)
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// writePump serializes all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	switch msg.Action {
	case ws.ActionHealthCheck:
		c.reply(msg, map[string]string{"status": "ok"})
	case ws.ActionExecutionSubscribe:
		c.subscribeExecution(msg)
	case ws.ActionWorkflowSubscribe:
		c.subscribeWorkflow(msg)
	case ws.ActionProjectSubscribe:
		c.subscribeProject(msg)
	case ws.ActionExecutionUnsubscribe, ws.ActionWorkflowUnsubscribe, ws.ActionProjectUnsubscribe:
		c.unsubscribe(msg)
	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeUnknownAction, "unknown action: "+msg.Action, nil)
	}
}

// subscribeExecution attaches to one execution's subjects. The live
// subscription is created before replay so nothing is lost in between;
// entries around the boundary can arrive twice and clients dedup by
// entry index.
func (c *Client) subscribeExecution(msg *ws.Message) {
	var req ws.SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.ProjectID == "" || req.ExecutionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "project_id and execution_id are required", nil)
		return
	}
	p, err := c.hub.registry.Get(req.ProjectID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		return
	}

	key := "execution:" + req.ExecutionID
	sub, err := c.hub.bus.Subscribe(events.ExecutionSubjects(req.ProjectID, req.ExecutionID), c.forwardExecutionEvent)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	c.trackSubscription(key, sub)

	replayed := 0
	if req.FromIndex >= 0 {
		entries, err := p.Logs().Read(req.ExecutionID, req.FromIndex, 0)
		if err != nil {
			c.log.Warn("trajectory replay failed",
				zap.String("execution_id", req.ExecutionID), zap.Error(err))
		}
		for _, entry := range entries {
			c.notify(ws.ActionExecutionTrajectory, map[string]interface{}{
				"project_id":   req.ProjectID,
				"execution_id": req.ExecutionID,
				"entry":        entry,
			})
		}
		replayed = len(entries)
	}
	c.reply(msg, map[string]interface{}{"subscribed": key, "replayed": replayed})
}

func (c *Client) subscribeWorkflow(msg *ws.Message) {
	var req ws.SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.ProjectID == "" || req.WorkflowID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "project_id and workflow_id are required", nil)
		return
	}
	key := "workflow:" + req.WorkflowID
	sub, err := c.hub.bus.Subscribe(events.WorkflowEventsSubject(req.ProjectID, req.WorkflowID),
		c.forwardAs(ws.ActionWorkflowEvent))
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	c.trackSubscription(key, sub)
	c.reply(msg, map[string]interface{}{"subscribed": key})
}

// subscribeProject streams every execution status change and workflow
// event in the project.
func (c *Client) subscribeProject(msg *ws.Message) {
	var req ws.SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.ProjectID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "project_id is required", nil)
		return
	}
	key := "project:" + req.ProjectID
	execSub, err := c.hub.bus.Subscribe(events.ProjectExecutionWildcard(req.ProjectID),
		c.forwardAs(ws.ActionExecutionStatus))
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	wfSub, err := c.hub.bus.Subscribe(events.ProjectWorkflowWildcard(req.ProjectID),
		c.forwardAs(ws.ActionWorkflowEvent))
	if err != nil {
		_ = execSub.Unsubscribe()
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	c.trackSubscription(key, execSub, wfSub)
	c.reply(msg, map[string]interface{}{"subscribed": key})
}

func (c *Client) unsubscribe(msg *ws.Message) {
	var req ws.SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		return
	}
	var key string
	switch {
	case req.ExecutionID != "":
		key = "execution:" + req.ExecutionID
	case req.WorkflowID != "":
		key = "workflow:" + req.WorkflowID
	default:
		key = "project:" + req.ProjectID
	}

	c.mu.Lock()
	subs := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.reply(msg, map[string]interface{}{"unsubscribed": key})
}

// forwardExecutionEvent maps execution bus events to the matching
// notification action.
func (c *Client) forwardExecutionEvent(ctx context.Context, ev *bus.Event) error {
	action := ws.ActionExecutionStatus
	if ev.Type == events.ExecutionTrajectory {
		action = ws.ActionExecutionTrajectory
	}
	c.notify(action, ev.Data)
	return nil
}

func (c *Client) forwardAs(action string) bus.EventHandler {
	return func(ctx context.Context, ev *bus.Event) error {
		c.notify(action, ev.Data)
		return nil
	}
}

func (c *Client) trackSubscription(key string, subs ...bus.Subscription) {
	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = subs
	c.mu.Unlock()
	for _, sub := range old {
		_ = sub.Unsubscribe()
	}
}

func (c *Client) clearSubscriptions() {
	c.mu.Lock()
	all := c.subs
	c.subs = make(map[string][]bus.Subscription)
	c.mu.Unlock()
	for _, subs := range all {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}
}

func (c *Client) reply(msg *ws.Message, payload interface{}) {
	out, err := ws.NewResponse(msg.ID, msg.Action, payload)
	if err != nil {
		return
	}
	c.push(out)
}

func (c *Client) notify(action string, payload interface{}) {
	out, err := ws.NewNotification(action, payload)
	if err != nil {
		return
	}
	c.push(out)
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	out, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		return
	}
	c.push(out)
}

// push enqueues without blocking; a full buffer drops the message, slow
// consumers never stall the bus.
func (c *Client) push(msg *ws.Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, dropping message", zap.String("action", msg.Action))
	}
}
