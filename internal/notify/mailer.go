package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/imrishuroy/go-stkpush-checkout/internal/aws"
)

const charset = "UTF-8"

var subjectTmpl = template.Must(template.New("subject").Parse(
	`Order {{.OrderID}} confirmed - payment received`))

var bodyTmpl = template.Must(template.New("body").Parse(`Thank you for your order.

Order:   {{.OrderID}}
{{- if .ReceiptNumber}}
Receipt: {{.ReceiptNumber}}
{{- end}}

{{range .Items}}{{.Quantity}} x {{.Name}}  KES {{.LineTotal}}
{{end}}
Subtotal:     KES {{.Subtotal}}
Delivery fee: KES {{.DeliveryFee}}
Total paid:   KES {{.Total}}

Delivery zone: {{.Zone}}
{{- if .DeliveryDate}}
Delivery date: {{.DeliveryDate}}{{if .DeliveryStart}} between {{.DeliveryStart}} and {{.DeliveryEnd}}{{end}}
{{- end}}

We will call {{.Phone}} when your order is on its way.
`))

// Mailer sends confirmation emails through SES.
type Mailer struct {
	ses  aws.SESAPI
	from string
}

// NewMailer returns a Mailer sending from the verified address from.
func NewMailer(ses aws.SESAPI, from string) *Mailer {
	return &Mailer{ses: ses, from: from}
}

// Render produces the subject and plain text body for c.
func Render(c Confirmation) (string, string, error) {
	var subject, body bytes.Buffer
	if err := subjectTmpl.Execute(&subject, c); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := bodyTmpl.Execute(&body, c); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject.String(), body.String(), nil
}

// Send emails the confirmation to the address on the order and returns the SES message id.
func (m *Mailer) Send(ctx context.Context, c Confirmation) (string, error) {
	if c.Email == "" {
		return "", errors.New("confirmation has no recipient")
	}
	subject, body, err := Render(c)
	if err != nil {
		return "", err
	}
	out, err := m.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: &m.from,
		Destination:      &sestypes.Destination{ToAddresses: []string{c.Email}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: &subject, Charset: strPtr(charset)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: &body, Charset: strPtr(charset)},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send email: %w", err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}

func strPtr(s string) *string { return &s }
