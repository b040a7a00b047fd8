package event

// ConfigUpdated records an admin configuration change.
// Scope is exchange, pair or collateral; Key is the pair or resource.
type ConfigUpdated struct {
	Scope   string `json:"scope"`
	Key     string `json:"key,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

func (e *ConfigUpdated) EventType() EventType { return EventTypeConfigUpdated }
func (e *ConfigUpdated) Account() string { return "" }
func (e *ConfigUpdated) MarketID() *string {
	if e.Scope == "pair" {
		return pairRef(e.Key)
	}
	return nil
}
