// File: internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/filter"
	"github.com/smartdevs17/eas-logbook/internal/mapview"
	"github.com/smartdevs17/eas-logbook/internal/media"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/internal/retrieval"
	"github.com/smartdevs17/eas-logbook/internal/session"
	"github.com/smartdevs17/eas-logbook/internal/submission"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

const dateLayout = "2006-01-02"

// sessionFor resolves the network named by the "network" query parameter,
// or the active one
func (s *HTTPServer) sessionFor(r *http.Request) (*session.Session, error) {
	raw := r.URL.Query().Get("network")
	if raw == "" {
		return s.sessions.Active(r.Context())
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid network id", raw)
	}
	return s.sessions.Resolve(r.Context(), id)
}

// Upload Handlers

// uploadHandler pins a multipart "file" part, or a "text" field as memo.txt
func (s *HTTPServer) uploadHandler(w http.ResponseWriter, r *http.Request) {
	svc, err := s.sessions.Media(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := svc.Validator().MaxSize() + maxMultipartMemory
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, svc.Validator().SizeMessage()))
			return
		}
		s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "No file uploaded", err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	if text := r.FormValue("text"); text != "" {
		result, err := svc.UploadText(r.Context(), text)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	f, err := readFormFile(r, "file")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if f == nil {
		s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "No file uploaded"))
		return
	}

	result, err := svc.Upload(r.Context(), *f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// readFormFile returns the named file part, nil when absent
func readFormFile(r *http.Request, field string) (*media.File, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "No file uploaded", err.Error())
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to read uploaded file", err.Error())
	}
	return &media.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// Submission Handlers

// draftRequest is a log entry as posted by a client
type draftRequest struct {
	Longitude      *float64 `json:"longitude"`
	Latitude       *float64 `json:"latitude"`
	Location       string   `json:"location"`
	EventTimestamp int64    `json:"eventTimestamp"`
	Memo           string   `json:"memo"`
	MediaType      []string `json:"mediaType"`
	MediaData      []string `json:"mediaData"`
	Recipient      string   `json:"recipient"`
	RefUID         string   `json:"refUID"`
	ExpirationTime uint64   `json:"expirationTime"`
}

// submitHandler records a log entry as an attestation. JSON bodies carry the
// entry only; multipart bodies may add an attachment in the "file" part.
func (s *HTTPServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	draft, err := s.parseDraft(w, r, sess)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := sess.Flow.Submit(r.Context(), draft)
	if errors.Is(err, submission.ErrSubmissionInFlight) {
		s.writeJSON(w, http.StatusConflict, errorBody{Error: submission.Message(err)})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"uid":     result.UID.Hex(),
		"tx_hash": result.TxHash.Hex(),
		"network": sess.NetworkID,
	}).Info("Attestation recorded")
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) parseDraft(w http.ResponseWriter, r *http.Request, sess *session.Session) (submission.Draft, error) {
	var (
		req   draftRequest
		draft submission.Draft
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<20)
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return draft, utils.NewAppError(utils.ErrCodeValidation, "Invalid form", err.Error())
		}
		defer r.MultipartForm.RemoveAll()

		var err error
		if req, err = draftFromForm(r.MultipartForm.Value); err != nil {
			return draft, err
		}
		if draft.Attachment, err = readFormFile(r, "file"); err != nil {
			return draft, err
		}
	} else {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return draft, utils.NewAppError(utils.ErrCodeValidation, "Invalid request body", err.Error())
		}
	}

	point, err := pickLocation(req)
	if err != nil {
		return draft, err
	}

	draft.Entry = models.LogEntry{
		Longitude:      point.Longitude,
		Latitude:       point.Latitude,
		EventTimestamp: req.EventTimestamp,
		Memo:           req.Memo,
		MediaType:      req.MediaType,
		MediaData:      req.MediaData,
	}
	draft.ExpirationTime = req.ExpirationTime
	draft.Recipient = sess.Recipient

	if req.Recipient != "" {
		if !utils.IsValidAddress(req.Recipient) {
			return draft, utils.NewAppError(utils.ErrCodeValidation, "Invalid recipient address", req.Recipient)
		}
		draft.Recipient = common.HexToAddress(req.Recipient)
	}
	if req.RefUID != "" {
		ref, err := utils.ParseUID(req.RefUID)
		if err != nil {
			return draft, err
		}
		draft.RefUID = ref
	}
	return draft, nil
}

// pickLocation applies the map click rules to the submitted point, given
// either as longitude/latitude or as a "<lon>, <lat>" location
func pickLocation(req draftRequest) (mapview.Coordinate, error) {
	picker := mapview.NewPicker(false)
	switch {
	case req.Longitude != nil && req.Latitude != nil:
		if _, err := picker.Click(*req.Longitude, *req.Latitude); err != nil {
			return mapview.Coordinate{}, err
		}
	case req.Location != "":
		lon, lat, err := models.ParseLocationStrict(req.Location)
		if err != nil {
			return mapview.Coordinate{}, utils.NewAppError(utils.ErrCodeValidation, "Invalid location", err.Error())
		}
		if _, err := picker.Click(lon, lat); err != nil {
			return mapview.Coordinate{}, err
		}
	}

	point, ok := picker.Selected()
	if !ok || !picker.ControlsActive() {
		return mapview.Coordinate{}, utils.NewAppError(utils.ErrCodeValidation, "Select a location on the map")
	}
	return point, nil
}

func draftFromForm(values url.Values) (draftRequest, error) {
	req := draftRequest{
		Location:  first(values, "location"),
		Memo:      first(values, "memo"),
		Recipient: first(values, "recipient"),
		RefUID:    first(values, "refUID"),
		MediaType: values["mediaType"],
		MediaData: values["mediaData"],
	}

	parseFloat := func(name string) (*float64, error) {
		raw := first(values, name)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid "+name, raw)
		}
		return &v, nil
	}

	var err error
	if req.Longitude, err = parseFloat("longitude"); err != nil {
		return req, err
	}
	if req.Latitude, err = parseFloat("latitude"); err != nil {
		return req, err
	}
	if raw := first(values, "eventTimestamp"); raw != "" {
		if req.EventTimestamp, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return req, utils.NewAppError(utils.ErrCodeValidation, "Invalid eventTimestamp", raw)
		}
	}
	return req, nil
}

func first(values url.Values, key string) string {
	if v := values[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// submissionStatusHandler reports the state of the network's submission flow
func (s *HTTPServer) submissionStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"network":   sess.NetworkID,
		"state":     sess.Flow.State(),
		"busy":      sess.Flow.Busy(),
		"lastError": sess.Flow.LastError(),
		"wallet": map[string]interface{}{
			"connected": sess.Wallet.Connected(),
			"address":   sess.Wallet.Address().Hex(),
		},
	})
}

// Attestation Handlers

// detailResponse is the body of the detail view
type detailResponse struct {
	Status   retrieval.Status   `json:"status"`
	UID      string             `json:"uid"`
	Detail   *retrieval.Detail  `json:"detail,omitempty"`
	Hover    *mapview.HoverCard `json:"hover,omitempty"`
	Viewport *mapview.Viewport  `json:"viewport,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (s *HTTPServer) getAttestationHandler(w http.ResponseWriter, r *http.Request) {
	s.serveDetail(w, r, false)
}

func (s *HTTPServer) refreshAttestationHandler(w http.ResponseWriter, r *http.Request) {
	s.serveDetail(w, r, true)
}

// serveDetail answers 202 while an attestation is not yet readable so that
// clients keep polling instead of showing an error
func (s *HTTPServer) serveDetail(w http.ResponseWriter, r *http.Request, refresh bool) {
	uid := mux.Vars(r)["uid"]
	sess, err := s.sessionFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	loc, err := locationParam(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	var detail *retrieval.Detail
	if refresh {
		release, ok := s.beginRefresh(sess.NetworkID, uid)
		if !ok {
			s.writeJSON(w, http.StatusConflict, errorBody{Error: "Refresh already in progress"})
			return
		}
		defer release()
		detail, err = sess.Retriever.Refresh(r.Context(), uid)
	} else {
		detail, err = sess.Retriever.Fetch(r.Context(), uid)
	}

	resp := detailResponse{Status: retrieval.Classify(err), UID: uid}
	switch resp.Status {
	case retrieval.StatusReady:
		resp.Detail = detail
		markers := mapview.MarkersFromEntries([]models.Entry{detail.Entry})
		card := mapview.Hover(markers[0], loc)
		viewport := mapview.EntryViewport(markers[0].Coordinate)
		resp.Hover, resp.Viewport = &card, &viewport
		s.writeJSON(w, http.StatusOK, resp)
	case retrieval.StatusPending:
		resp.Error = "Attestation is not available yet"
		s.writeJSON(w, http.StatusAccepted, resp)
	case retrieval.StatusAccessDenied:
		resp.Error = userMessage(err)
		s.writeJSON(w, http.StatusForbidden, resp)
	default:
		resp.Error = userMessage(err)
		status := http.StatusUnprocessableEntity
		if utils.IsCode(err, utils.ErrCodeValidation) {
			status = http.StatusBadRequest
		}
		s.writeJSON(w, status, resp)
	}
}

// beginRefresh lets one refresh per attestation run at a time
func (s *HTTPServer) beginRefresh(networkID uint64, uid string) (func(), bool) {
	key := strconv.FormatUint(networkID, 10) + "/" + strings.ToLower(uid)

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	guard, ok := s.refreshGuards[key]
	if !ok {
		guard = &mapview.NavigationGuard{}
		s.refreshGuards[key] = guard
	}
	release, ok := guard.Begin(key)
	if !ok {
		return nil, false
	}
	return func() {
		s.refreshMu.Lock()
		defer s.refreshMu.Unlock()
		release()
		if s.refreshGuards[key] == guard {
			delete(s.refreshGuards, key)
		}
	}, true
}

// closeRefreshGuards drops every in-flight refresh on shutdown
func (s *HTTPServer) closeRefreshGuards() {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	for key, guard := range s.refreshGuards {
		guard.Close()
		delete(s.refreshGuards, key)
	}
}

// Entry Handlers

func (s *HTTPServer) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	sess, result, ok := s.listEntries(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"network": sess.NetworkID,
		"entries": result.Entries,
		"total":   len(result.Entries),
		"source":  result.Source,
		"skipped": result.Skipped,
	})
}

// mapEntriesHandler serves filtered entries as GeoJSON. With a zoom
// parameter nearby markers are clustered for that zoom level.
func (s *HTTPServer) mapEntriesHandler(w http.ResponseWriter, r *http.Request) {
	_, result, ok := s.listEntries(w, r)
	if !ok {
		return
	}

	markers := mapview.MarkersFromEntries(result.Entries)
	collection := mapview.Features(markers)
	if raw := r.URL.Query().Get("zoom"); raw != "" {
		zoom, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "Invalid zoom", raw))
			return
		}
		collection = mapview.ClusterMarkers(markers, zoom).Features()
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(collection); err != nil {
		s.logger.WithError(err).Error("Failed to encode GeoJSON response")
	}
}

func (s *HTTPServer) listEntries(w http.ResponseWriter, r *http.Request) (*session.Session, *retrieval.ListResult, bool) {
	sess, err := s.sessionFor(r)
	if err != nil {
		s.writeError(w, err)
		return nil, nil, false
	}
	query, err := parseListQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return nil, nil, false
	}
	result, err := sess.Retriever.List(r.Context(), query)
	if err != nil {
		s.writeError(w, err)
		return nil, nil, false
	}
	return sess, result, true
}

// parseListQuery reads paging and filter criteria:
// attester, limit, offset, from, to (YYYY-MM-DD), keywords, hasMedia,
// timeOfDay (comma separated or repeated) and tz (IANA zone)
func parseListQuery(q url.Values) (retrieval.ListQuery, error) {
	var query retrieval.ListQuery

	if attester := q.Get("attester"); attester != "" {
		if !utils.IsValidAddress(attester) {
			return query, utils.NewAppError(utils.ErrCodeValidation, "Invalid attester address", attester)
		}
		query.Attester = utils.NormalizeAddress(attester)
	}

	for name, dst := range map[string]*int{"limit": &query.Limit, "offset": &query.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return query, utils.NewAppError(utils.ErrCodeValidation, "Invalid "+name, raw)
		}
		*dst = v
	}

	loc, err := locationParam(q)
	if err != nil {
		return query, err
	}
	criteria := filter.Criteria{Location: loc, Keywords: q.Get("keywords")}

	for name, dst := range map[string]**time.Time{"from": &criteria.DateRange.From, "to": &criteria.DateRange.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		day, err := time.ParseInLocation(dateLayout, raw, loc)
		if err != nil {
			return query, utils.NewAppError(utils.ErrCodeValidation, "Invalid date, expected YYYY-MM-DD", raw)
		}
		*dst = &day
	}

	if raw := q.Get("hasMedia"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return query, utils.NewAppError(utils.ErrCodeValidation, "Invalid hasMedia", raw)
		}
		criteria.HasMedia = &v
	}

	for _, value := range q["timeOfDay"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			b, err := filter.ParseBucket(part)
			if err != nil {
				return query, utils.NewAppError(utils.ErrCodeValidation, "Invalid timeOfDay", err.Error())
			}
			criteria.TimeOfDay = append(criteria.TimeOfDay, b)
		}
	}

	query.Criteria = criteria
	return query, nil
}

func locationParam(q url.Values) (*time.Location, error) {
	tz := q.Get("tz")
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid time zone", tz)
	}
	return loc, nil
}

// viewportHandler picks the initial map view
func (s *HTTPServer) viewportHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, mapview.RandomViewport(nil))
}

// Network Handlers

func (s *HTTPServer) listNetworksHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   s.sessions.ActiveID(),
		"networks": s.sessions.Networks(),
	})
}

func (s *HTTPServer) setActiveNetworkHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID uint64 `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.ID == 0 {
		s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "Network id is required"))
		return
	}

	sess, err := s.sessions.SetActive(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  sess.NetworkID,
		"network": sess.Network.Name,
	})
}

// userMessage is the client-facing text of err
func userMessage(err error) string {
	if errors.Is(err, submission.ErrSubmissionInFlight) || utils.ErrorCode(err) != "" {
		return submission.Message(err)
	}
	return "Internal server error"
}
