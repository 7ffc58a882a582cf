package urlcheck

import "time"

// DetectionMethod names the pipeline stage that produced a classification.
type DetectionMethod string

const (
	MethodWhitelist       DetectionMethod = "whitelist"
	MethodBlacklist       DetectionMethod = "blacklist"
	MethodPhishing        DetectionMethod = "phishing_patterns"
	MethodIPHeuristic     DetectionMethod = "ip_heuristic"
	MethodLengthHeuristic DetectionMethod = "length_heuristic"
	MethodURLValidation   DetectionMethod = "url_validation"
	MethodNone            DetectionMethod = "none"
)

// ThreatType categorizes a malicious finding.
type ThreatType string

const (
	ThreatPhishing ThreatType = "phishing"
	ThreatMalware  ThreatType = "malware"
	ThreatUnknown  ThreatType = "unknown"
)

// PhishingResult carries the pattern that matched during phishing detection.
type PhishingResult struct {
	Matched bool   `json:"matched" msgpack:"matched"`
	Pattern string `json:"pattern,omitempty" msgpack:"pattern,omitempty"`
}

// Checks holds the individual signals computed for a URL. Phishing is nil
// when the stage never ran (e.g. a blacklist hit short-circuited it).
type Checks struct {
	Whitelist        bool            `json:"whitelist" msgpack:"whitelist"`
	Blacklist        bool            `json:"blacklist" msgpack:"blacklist"`
	Phishing         *PhishingResult `json:"phishing,omitempty" msgpack:"phishing,omitempty"`
	IPURL            bool            `json:"ip_url" msgpack:"ip_url"`
	URLLength        int             `json:"url_length" msgpack:"url_length"`
	SuspiciousLength bool            `json:"suspicious_length" msgpack:"suspicious_length"`
}

// Classification is the verdict for one URL.
type Classification struct {
	URL             string          `json:"url" msgpack:"url"`
	Valid           bool            `json:"valid" msgpack:"valid"`
	Malicious       bool            `json:"malicious" msgpack:"malicious"`
	ThreatType      ThreatType      `json:"threat_type,omitempty" msgpack:"threat_type,omitempty"`
	DetectionMethod DetectionMethod `json:"detection_method" msgpack:"detection_method"`
	Domain          string          `json:"domain,omitempty" msgpack:"domain,omitempty"`
	Reason          string          `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Checks          Checks          `json:"checks" msgpack:"checks"`
	CheckedAt       time.Time       `json:"checked_at" msgpack:"checked_at"`
	FromCache       bool            `json:"from_cache" msgpack:"-"`
}

// CacheEntry is a stored classification plus bookkeeping.
type CacheEntry struct {
	Classification Classification `msgpack:"classification"`
	StoredAt       time.Time      `msgpack:"stored_at"`
	Hits           int64          `msgpack:"hits"`
}

// List names for the Store.
const (
	ListBlacklist = "blacklist"
	ListWhitelist = "whitelist"
)

// Store persists reputation lists and the classification cache.
// CacheHit returns nil when the URL is absent or the entry has expired; on a
// hit it atomically increments the entry's hit counter.
type Store interface {
	CacheHit(rawURL string) (*CacheEntry, error)
	CachePut(rawURL string, c Classification) error
	ListAdd(list, domain string) error
	ListAll(list string) ([]string, error)
}

// BatchSummary aggregates a batch check. Invalid URLs count as safe.
type BatchSummary struct {
	Total     int `json:"total"`
	Malicious int `json:"malicious"`
	Safe      int `json:"safe"`
}

// Stats is a snapshot of checker counters since the last reset.
type Stats struct {
	URLsChecked       int64     `json:"urls_checked"`
	MaliciousDetected int64     `json:"malicious_detected"`
	Blacklisted       int64     `json:"blacklisted"`
	Whitelisted       int64     `json:"whitelisted"`
	PhishingDetected  int64     `json:"phishing_detected"`
	CacheHits         int64     `json:"cache_hits"`
	LastReset         time.Time `json:"last_reset"`
}
