package mgmt

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/model"
	"github.com/creeklabs/creek/queue"
)

type queueSummary struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type queueConfigResponse struct {
	MaxRetries      uint32 `json:"maxRetries"`
	DeadLetterQueue string `json:"deadLetterQueue,omitempty"`
}

type updateQueueConfigRequest struct {
	MaxRetries      uint32 `json:"maxRetries"`
	DeadLetterQueue string `json:"deadLetterQueue"`
}

type messageSummary struct {
	MessageId string `json:"messageId"`
	Body      string `json:"body"`
	Attempts  uint32 `json:"attempts"`
}

type queueStatsResponse struct {
	MessageCount int64   `json:"messageCount"`
	AvgSizeBytes float64 `json:"avgSizeBytes"`
}

func (h *Handler) mountQueue(r chi.Router) {
	r.Get("/", h.listQueueNamespaces)
	r.Get("/{ns}", h.listQueuesInNamespace)
	r.Delete("/{ns}/{name}", h.deleteQueue)
	r.Post("/{ns}/{name}", h.createQueue)
	r.Get("/{ns}/{name}/stats", h.queueStats)
	r.Get("/{ns}/{name}/messages", h.listMessages)
	r.Get("/{ns}/{name}/config", h.getQueueConfig)
	r.Post("/{ns}/{name}/config", h.updateQueueConfig)
}

// listQueueNamespaces lists the namespaces the caller can browse queues in.
func (h *Handler) listQueueNamespaces(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	namespaces, err := h.Credentials.ListNamespacesForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, ns.Name)
	}
	writeJSON(w, out)
}

func (h *Handler) listQueuesInNamespace(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	names, err := h.Queues.ListQueues(r.Context(), ns, "")
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]queueSummary, 0, len(names))
	for _, name := range names {
		out = append(out, queueSummary{Namespace: ns, Name: name})
	}
	writeJSON(w, out)
}

func (h *Handler) createQueue(w http.ResponseWriter, r *http.Request) {
	ns, name := chi.URLParam(r, "ns"), chi.URLParam(r, "name")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	user, _ := userFrom(r)
	_, err := h.Queues.CreateQueue(r.Context(), ns, name, queue.CreateQueueOptions{CreatedBy: user.ID, MaxRetries: h.DefaultMaxRetries})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	ns, name := chi.URLParam(r, "ns"), chi.URLParam(r, "name")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Queues.DeleteQueue(r.Context(), ns, name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	ns, name := chi.URLParam(r, "ns"), chi.URLParam(r, "name")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.Queues.Stats(r.Context(), ns, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, queueStatsResponse{MessageCount: stats.MessageCount, AvgSizeBytes: stats.AvgSizeBytes})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	ns, name := chi.URLParam(r, "ns"), chi.URLParam(r, "name")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	messages, err := h.Queues.ListMessages(r.Context(), ns, name, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]messageSummary, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageSummary{
			MessageId: strconv.FormatInt(m.ID, 10),
			Body:      string(m.Body),
			Attempts:  m.Attempts,
		})
	}
	writeJSON(w, out)
}

func (h *Handler) getQueueConfig(w http.ResponseWriter, r *http.Request) {
	ns, name := chi.URLParam(r, "ns"), chi.URLParam(r, "name")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := h.Queues.GetQueueConfig(r.Context(), ns, name)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := queueConfigResponse{MaxRetries: cfg.MaxRetries}
	if cfg.DeadLetterQueue != nil {
		dlqName, err := h.Queues.QueueName(r.Context(), *cfg.DeadLetterQueue)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.DeadLetterQueue = dlqName
	}
	writeJSON(w, resp)
}

func (h *Handler) updateQueueConfig(w http.ResponseWriter, r *http.Request) {
	ns, name := chi.URLParam(r, "ns"), chi.URLParam(r, "name")
	if err := h.checkAccess(r, ns); err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeJSON[updateQueueConfigRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Queues.SetQueueConfig(r.Context(), ns, name, req.MaxRetries, req.DeadLetterQueue); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) checkAccess(r *http.Request, namespace string) error {
	user, ok := userFrom(r)
	if !ok {
		return errs.Unauthorized("session")
	}
	if user.Role == model.RoleAdmin {
		return nil
	}
	allowed, err := h.Credentials.HasPermission(r.Context(), user.ID, namespace)
	if err != nil {
		return err
	}
	if !allowed {
		return errs.Unauthorized("namespace")
	}
	return nil
}
