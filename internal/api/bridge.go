package api

import (
	"context"

	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
)

// HubNotifier delivers notifications to connected browsers
type HubNotifier struct {
	Hub *Hub
}

// Notify implements enforce.Notifier
func (n HubNotifier) Notify(_ context.Context, note enforce.Notification) error {
	return n.Hub.Push(messaging.PushNotification, note)
}

// HubDownloadManager forwards cancel and erase commands to the browser
// shim that owns the real download manager
type HubDownloadManager struct {
	Hub *Hub
}

// Cancel implements enforce.DownloadManager
func (d HubDownloadManager) Cancel(_ context.Context, id int64) error {
	return d.command("cancel", id)
}

// Erase implements enforce.DownloadManager
func (d HubDownloadManager) Erase(_ context.Context, id int64) error {
	return d.command("erase", id)
}

func (d HubDownloadManager) command(action string, id int64) error {
	if d.Hub.ClientCount() == 0 {
		return ErrNoClients
	}
	return d.Hub.Push(messaging.PushDownloadCommand, messaging.DownloadCommand{Action: action, ID: id})
}
