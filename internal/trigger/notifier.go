package trigger

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
	"github.com/ryanbastic/go-sheetsync/internal/ref"
)

// Notifier dispatches change notifications to subscribed plugins via JSON-RPC.
type Notifier struct {
	registry  *PluginRegistry
	rpcClient *RPCClient
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewNotifier creates a Notifier.
func NewNotifier(registry *PluginRegistry, rpcClient *RPCClient, logger *slog.Logger) *Notifier {
	return &Notifier{
		registry:  registry,
		rpcClient: rpcClient,
		logger:    logger,
	}
}

// NewCellChanged builds the notification payload for one applied mutation.
func NewCellChanged(documentID, userID int64, username, timestamp string, changes []cell.Change) CellChangedParams {
	out := make([]ChangedCell, 0, len(changes))
	for _, c := range changes {
		input, _ := c.Input.MarshalJSON()
		value, _ := c.Value.MarshalJSON()
		out = append(out, ChangedCell{
			TabID:   c.TabID,
			Row:     c.Row,
			Column:  c.Col,
			Address: ref.ColumnLetters(c.Col) + strconv.Itoa(c.Row+1),
			Input:   input,
			Value:   value,
			Derived: c.Derived,
		})
	}
	return CellChangedParams{
		DocumentID: documentID,
		UserID:     userID,
		Username:   username,
		Timestamp:  timestamp,
		Changes:    out,
	}
}

// Notify fires a goroutine per subscribed plugin to deliver a cell.changed
// notification. Errors are logged, not propagated; mutations never wait on
// plugins.
func (n *Notifier) Notify(params CellChangedParams) {
	plugins := n.registry.ForDocument(params.DocumentID)
	if len(plugins) == 0 {
		return
	}

	for _, p := range plugins {
		n.wg.Add(1)
		go func(endpoint, pluginName string) {
			defer n.wg.Done()
			resp, err := n.rpcClient.Call(context.Background(), endpoint, MethodCellChanged, params)
			if err != nil {
				metrics.PluginNotifications.WithLabelValues("failed").Inc()
				n.logger.Error("plugin rpc failed", "plugin", pluginName, "endpoint", endpoint, "error", err)
				return
			}
			if resp.Error != nil {
				metrics.PluginNotifications.WithLabelValues("rejected").Inc()
				n.logger.Error("plugin rpc returned error", "plugin", pluginName, "endpoint", endpoint, "error", resp.Error)
				return
			}
			metrics.PluginNotifications.WithLabelValues("delivered").Inc()
		}(p.Endpoint, p.Name)
	}
}

// Wait blocks until every in-flight notification has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
