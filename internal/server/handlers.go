package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/miradorsec/gatekeeper/internal/scanner"
	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

// multipartOverhead is headroom above the upload size limit for the
// multipart framing and any extra form fields.
const multipartOverhead = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// handleUpload screens a multipart upload. The file goes in the "file"
// field; any URLs referenced by the content go in repeated or
// comma-separated "urls" fields. Unsafe uploads answer 422 with the full
// finding set.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "malformed multipart request")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, `missing "file" field`)
		return
	}
	defer file.Close()

	var urls []string
	for _, field := range r.MultipartForm.Value["urls"] {
		for _, u := range strings.Split(field, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
	}

	verdict, err := s.gw.EvaluateUpload(file, header.Filename, urls)
	if err != nil {
		s.log.Error().Err(err).Str("filename", header.Filename).Msg("upload evaluation failed")
		respondError(w, http.StatusInternalServerError, "upload evaluation failed")
		return
	}

	status := http.StatusOK
	if !verdict.Safe {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, verdict)
}

type checkURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleCheckURL(w http.ResponseWriter, r *http.Request) {
	var req checkURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	respondJSON(w, http.StatusOK, s.urls.Check(req.URL))
}

type checkBatchRequest struct {
	URLs []string `json:"urls"`
}

type checkBatchResponse struct {
	Results []urlcheck.Classification `json:"results"`
	Summary urlcheck.BatchSummary     `json:"summary"`
}

func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req checkBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.URLs) == 0 {
		respondError(w, http.StatusBadRequest, `"urls" must be a non-empty array`)
		return
	}
	results, summary := s.urls.CheckBatch(r.Context(), req.URLs)
	respondJSON(w, http.StatusOK, checkBatchResponse{Results: results, Summary: summary})
}

func (s *Server) handleURLStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.urls.Stats())
}

func (s *Server) handleURLStatsReset(w http.ResponseWriter, r *http.Request) {
	s.urls.ResetStats()
	respondJSON(w, http.StatusOK, s.urls.Stats())
}

type listAddResponse struct {
	List   string `json:"list"`
	Domain string `json:"domain"`
}

func (s *Server) handleListAdd(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := r.PathValue("domain")
		var (
			normalized string
			err        error
		)
		switch list {
		case urlcheck.ListBlacklist:
			normalized, err = s.urls.AddToBlacklist(domain)
		case urlcheck.ListWhitelist:
			normalized, err = s.urls.AddToWhitelist(domain)
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.events.Emit("list_update", map[string]any{
			"list":   list,
			"domain": normalized,
		})
		respondJSON(w, http.StatusOK, listAddResponse{List: list, Domain: normalized})
	}
}

type rulesResponse struct {
	Ready bool               `json:"ready"`
	Rules []scanner.RuleInfo `json:"rules"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	infos := s.scan.ListRules()
	if infos == nil {
		infos = []scanner.RuleInfo{}
	}
	respondJSON(w, http.StatusOK, rulesResponse{Ready: s.scan.Ready(), Rules: infos})
}
