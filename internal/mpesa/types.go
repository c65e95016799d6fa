package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PushRequest describes one STK push. Phone must already be normalised and
// Amount is in whole shillings.
type PushRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

// PushResult is the gateway's acknowledgement of an accepted push.
type PushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
}

// QueryResult is the raw outcome of a status query. The client does not interpret ResultCode.
type QueryResult struct {
	CheckoutRequestID string
	ResponseCode      string
	ResultCode        string
	ResultDesc        string
}

// Callback is the parsed stkCallback body posted by the gateway.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	ReceiptNumber     string
	Amount            string
	PhoneNumber       string
	TransactionDate   string
}

// Succeeded reports whether the gateway reports a completed payment.
func (c Callback) Succeeded() bool { return c.ResultCode == ResultCodeSuccess }

// ResultCodeSuccess is the gateway result code for a completed payment.
const ResultCodeSuccess = "0"

// ErrMalformedCallback is returned by ParseCallback for bodies missing required fields.
var ErrMalformedCallback = errors.New("malformed stk callback")

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// gatewayResponse covers push, query and error bodies; the gateway mixes them freely.
type gatewayResponse struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        json.RawMessage `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CustomerMessage     string          `json:"CustomerMessage"`
	ResultCode          json.RawMessage `json:"ResultCode"`
	ResultDesc          string          `json:"ResultDesc"`
	RequestID           string          `json:"requestId"`
	ErrorCode           string          `json:"errorCode"`
	ErrorMessage        string          `json:"errorMessage"`
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes the gateway's callback body into a Callback.
func ParseCallback(body []byte) (Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := env.Body.StkCallback
	if stk == nil {
		return Callback{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	code := rawString(stk.ResultCode)
	if stk.CheckoutRequestID == "" || code == "" {
		return Callback{}, fmt.Errorf("%w: missing CheckoutRequestID or ResultCode", ErrMalformedCallback)
	}

	cb := Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata != nil {
		for _, it := range stk.CallbackMetadata.Item {
			v := rawString(it.Value)
			switch it.Name {
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = v
			case "Amount":
				cb.Amount = v
			case "PhoneNumber":
				cb.PhoneNumber = v
			case "TransactionDate":
				cb.TransactionDate = v
			}
		}
	}
	return cb, nil
}

// rawString renders a JSON scalar (string or number) as a plain string.
func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(raw, &out); err == nil {
			return strings.TrimSpace(out)
		}
		return strings.Trim(s, `"`)
	}
	// numbers: keep integers free of exponent notation
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}
