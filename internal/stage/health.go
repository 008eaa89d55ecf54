package stage

// Health summarizes whether a stage's external tooling is ready.
type Health struct {
	Stage  Identity `json:"stage"`
	Ready  bool     `json:"ready"`
	Detail string   `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(id Identity) Health {
	return Health{Stage: id, Ready: true}
}

// Unhealthy constructs a Health record with the reason the stage cannot run.
func Unhealthy(id Identity, detail string) Health {
	return Health{Stage: id, Ready: false, Detail: detail}
}
