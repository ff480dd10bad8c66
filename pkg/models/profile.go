package models

// AgentProfile selects, per agent flavour, the audience filter passed to
// retrieval, the response fields exposed, and the rate-limit class. One
// orchestrator code path is parameterised by this struct; there is no
// per-flavour subclassing.
type AgentProfile struct {
	Flavour        string   `json:"flavour"`
	UserType       UserType `json:"user_type"`
	RateLimitClass string   `json:"rate_limit_class"`
	ExposeDebug    bool     `json:"expose_debug"`   // full QueryMetrics + context snapshot
	ExposeSources  bool     `json:"expose_sources"` // source list + confidence
}

// Profiles for the three supported flavours.
var (
	ProfileTest = AgentProfile{
		Flavour:        "test",
		UserType:       UserInternal,
		RateLimitClass: "query",
		ExposeDebug:    true,
		ExposeSources:  true,
	}
	ProfileSupport = AgentProfile{
		Flavour:        "support",
		UserType:       UserInternal,
		RateLimitClass: "query",
		ExposeSources:  true,
	}
	ProfileCustomer = AgentProfile{
		Flavour:        "customer",
		UserType:       UserExternal,
		RateLimitClass: "query",
	}
)

// ProfileFor resolves a flavour name. Returns false for unknown flavours.
func ProfileFor(flavour string) (AgentProfile, bool) {
	switch flavour {
	case "test":
		return ProfileTest, true
	case "support":
		return ProfileSupport, true
	case "customer":
		return ProfileCustomer, true
	}
	return AgentProfile{}, false
}

// UserInfo is the optional caller identification supplied with a query.
type UserInfo struct {
	AgentID string `json:"agent_id,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Identity selects the rate-limit / attribution identity: the first
// non-empty of agent id, email, and the request source address.
func (u UserInfo) Identity(remoteAddr string) string {
	if u.AgentID != "" {
		return u.AgentID
	}
	if u.Email != "" {
		return u.Email
	}
	return remoteAddr
}
