package types

type RequestCreateProfile struct {
	ProfileID string `json:"profile_id"`
}

type ResponseProfileCreated struct {
	ProfileID string `json:"profile_id"`
	Token     string `json:"token"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
}

type RequestLoginCode struct {
	Phone string `json:"phone"`
}

type ResponseLoginCode struct {
	PairCode string `json:"pair_code"`
	Timeout  int    `json:"timeout"`
}

type ResponseLogin struct {
	QRCode  string `json:"qr_code"`
	Timeout int    `json:"timeout"`
}

type RequestSendMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type ResponseSendMessage struct {
	MessageID string `json:"message_id"`
}

type RequestWebhook struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}
