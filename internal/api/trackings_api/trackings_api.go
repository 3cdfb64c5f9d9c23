package trackings_api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
	"github.com/DropFlow/TrackFlow/internal/services/trackings"
	"github.com/DropFlow/TrackFlow/internal/storage/pgtracking"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// TrackingsAPI — REST-поверхность трекинга. Все маршруты работают
// в рамках пользователя из X-User-ID (ставится шлюзом после аутентификации).
type TrackingsAPI struct {
	svc *trackings.Service
}

func New(svc *trackings.Service) *TrackingsAPI {
	return &TrackingsAPI{svc: svc}
}

func (a *TrackingsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequireUser)

	r.Get("/", a.list)
	r.Post("/", a.create)
	r.Post("/batch", a.batch)
	r.Post("/from-csv", a.importCSV)
	r.Get("/stats", a.stats)
	r.Get("/carriers", a.carriers)
	r.Get("/settings", a.getSettings)
	r.Put("/settings", a.updateSettings)
	r.Get("/number/{number}", a.getByNumber)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", a.get)
		r.Put("/", a.update)
		r.Delete("/", a.delete)
		r.Post("/refresh", a.refresh)
		r.Post("/notify", a.notify)
		r.Get("/events", a.events)
		r.Get("/notifications", a.notifications)
	})

	return r
}

type createRequest struct {
	TrackingNumber string  `json:"trackingNumber"`
	Carrier        *string `json:"carrier,omitempty"`
	CarrierCode    *string `json:"carrierCode,omitempty"`
	OrderID        *string `json:"orderId,omitempty"`
	CustomerName   *string `json:"customerName,omitempty"`
	CustomerEmail  *string `json:"customerEmail,omitempty"`
	Provider       string  `json:"provider,omitempty"`
	AutoTrack      *bool   `json:"autoTrack,omitempty"`
}

func (req createRequest) toInput() models.TrackingCreateInput {
	return models.TrackingCreateInput{
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		CarrierCode:    req.CarrierCode,
		OrderID:        req.OrderID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Provider:       req.Provider,
		AutoTrack:      req.AutoTrack,
	}
}

func (a *TrackingsAPI) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pgtracking.ListFilter{
		Limit:  intQuery(q.Get("limit"), 0),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if s := q.Get("status"); s != "" {
		f.Status = &s
	}
	if o := q.Get("order_id"); o != "" {
		f.OrderID = &o
	}

	ts, err := a.svc.List(r.Context(), userID(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if ts == nil {
		ts = []*models.Tracking{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (a *TrackingsAPI) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.WithMessage(trackings.ErrInvalidInput, "malformed json body"))
		return
	}

	t, created, err := a.svc.Create(r.Context(), userID(r), req.toInput())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, t)
}

func (a *TrackingsAPI) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.svc.Get(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *TrackingsAPI) getByNumber(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.GetByNumber(r.Context(), userID(r), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateRequest struct {
	Carrier            *string         `json:"carrier,omitempty"`
	CarrierCode        *string         `json:"carrierCode,omitempty"`
	Status             *string         `json:"status,omitempty"`
	StatusDescription  *string         `json:"statusDescription,omitempty"`
	OriginCountry      *string         `json:"originCountry,omitempty"`
	DestinationCountry *string         `json:"destinationCountry,omitempty"`
	EstimatedDelivery  *time.Time      `json:"estimatedDelivery,omitempty"`
	ShippedAt          *time.Time      `json:"shippedAt,omitempty"`
	DeliveredAt        *time.Time      `json:"deliveredAt,omitempty"`
	Provider           *string         `json:"provider,omitempty"`
	AutoTrack          *bool           `json:"autoTrack,omitempty"`
	CustomerName       *string         `json:"customerName,omitempty"`
	CustomerEmail      *string         `json:"customerEmail,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

func (a *TrackingsAPI) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.WithMessage(trackings.ErrInvalidInput, "malformed json body"))
		return
	}

	t, err := a.svc.Update(r.Context(), userID(r), id, models.TrackingUpdateInput{
		Carrier:            req.Carrier,
		CarrierCode:        req.CarrierCode,
		Status:             req.Status,
		StatusDescription:  req.StatusDescription,
		OriginCountry:      req.OriginCountry,
		DestinationCountry: req.DestinationCountry,
		EstimatedDelivery:  req.EstimatedDelivery,
		ShippedAt:          req.ShippedAt,
		DeliveredAt:        req.DeliveredAt,
		Provider:           req.Provider,
		AutoTrack:          req.AutoTrack,
		CustomerName:       req.CustomerName,
		CustomerEmail:      req.CustomerEmail,
		Metadata:           req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *TrackingsAPI) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// refresh ставит трек на внеочередную сверку; сама сверка идёт в фоне.
func (a *TrackingsAPI) refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Refresh(r.Context(), userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "trackingId": id})
}

type notifyRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient,omitempty"`
}

func (a *TrackingsAPI) notify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.WithMessage(trackings.ErrInvalidInput, "malformed json body"))
		return
	}

	n, err := a.svc.Notify(r.Context(), userID(r), id, req.Channel, req.Recipient)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *TrackingsAPI) events(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	evs, err := a.svc.Events(r.Context(), userID(r), id, intQuery(q.Get("limit"), 0), intQuery(q.Get("offset"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []*models.TrackingEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *TrackingsAPI) notifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ns, err := a.svc.Notifications(r.Context(), userID(r), id, intQuery(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if ns == nil {
		ns = []*models.TrackingNotification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

func (a *TrackingsAPI) batch(w http.ResponseWriter, r *http.Request) {
	var reqs []createRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, errors.WithMessage(trackings.ErrInvalidInput, "malformed json body"))
		return
	}
	inputs := make([]models.TrackingCreateInput, 0, len(reqs))
	for _, req := range reqs {
		inputs = append(inputs, req.toInput())
	}

	res, err := a.svc.Batch(r.Context(), userID(r), inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// importCSV принимает либо multipart-поле file, либо CSV прямо в теле.
func (a *TrackingsAPI) importCSV(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if f, _, err := r.FormFile("file"); err == nil {
		defer f.Close()
		body = f
	}

	res, err := a.svc.ImportCSV(r.Context(), userID(r), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *TrackingsAPI) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context(), userID(r), intQuery(r.URL.Query().Get("period_days"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *TrackingsAPI) carriers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var country *string
	if c := q.Get("country"); c != "" {
		country = &c
	}
	activeOnly := q.Get("active") != "false"

	cs, err := a.svc.Carriers(r.Context(), country, activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if cs == nil {
		cs = []*models.CarrierInfo{}
	}
	writeJSON(w, http.StatusOK, cs)
}

type settingsRequest struct {
	DefaultProvider      *string           `json:"defaultProvider,omitempty"`
	AutoTrackOrders      *bool             `json:"autoTrackOrders,omitempty"`
	NotifyCustomer       *bool             `json:"notifyCustomer,omitempty"`
	NotificationChannels []string          `json:"notificationChannels,omitempty"`
	APIKeys              map[string]string `json:"apiKeys,omitempty"`
	WebhookURL           *string           `json:"webhookUrl,omitempty"`
}

func (a *TrackingsAPI) getSettings(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Settings(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *TrackingsAPI) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.WithMessage(trackings.ErrInvalidInput, "malformed json body"))
		return
	}

	st, err := a.svc.UpdateSettings(r.Context(), userID(r), models.SettingsUpdateInput{
		DefaultProvider:      req.DefaultProvider,
		AutoTrackOrders:      req.AutoTrackOrders,
		NotifyCustomer:       req.NotifyCustomer,
		NotificationChannels: req.NotificationChannels,
		APIKeys:              req.APIKeys,
		WebhookURL:           req.WebhookURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, errors.WithMessage(trackings.ErrInvalidInput, "id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trackings.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trackings.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
