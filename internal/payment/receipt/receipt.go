package receipt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	marotoconfig "github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/config"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectdomain "github.com/smallbiznis/clientportal/internal/project/domain"
	"github.com/smallbiznis/clientportal/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const ContentType = "application/pdf"

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	PaymentSvc paymentdomain.Service
}

type Service struct {
	log        *zap.Logger
	issuer     string
	paymentSvc paymentdomain.Service
}

// Receipt is a rendered PDF ready to be sent as an attachment.
type Receipt struct {
	Filename string
	Content  []byte
}

func NewService(p Params) *Service {
	issuer := strings.TrimSpace(p.Cfg.AppName)
	if issuer == "" {
		issuer = "Client Portal"
	}
	return &Service{
		log:        p.Log.Named("payment.receipt"),
		issuer:     issuer,
		paymentSvc: p.PaymentSvc,
	}
}

// Render produces the receipt of a settled payment.
func (s *Service) Render(ctx context.Context, p principal.Principal, paymentID snowflake.ID) (*Receipt, error) {
	payment, project, err := s.paymentSvc.Resolve(ctx, p, paymentID, authorization.ActionPaymentReceipt)
	if err != nil {
		return nil, err
	}
	if payment.Status != paymentdomain.StatusPaid {
		return nil, &paymentdomain.TransitionError{Current: payment.Status, Action: "receipt"}
	}

	content, err := s.render(payment, project)
	if err != nil {
		s.log.Error("receipt rendering failed", zap.String("payment_id", payment.ID.String()), zap.Error(err))
		return nil, err
	}
	return &Receipt{Filename: Filename(payment), Content: content}, nil
}

// Filename is receipt-<slug of title>-<id>.pdf.
func Filename(payment *paymentdomain.Payment) string {
	name := slug.Make(payment.Title)
	if name == "" {
		return fmt.Sprintf("receipt-%s.pdf", payment.ID)
	}
	return fmt.Sprintf("receipt-%s-%s.pdf", name, payment.ID)
}

func (s *Service) render(payment *paymentdomain.Payment, project *projectdomain.Project) ([]byte, error) {
	cfg := marotoconfig.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	paidOn := ""
	if payment.PaidAt != nil {
		paidOn = payment.PaidAt.UTC().Format(time.DateOnly)
	}
	total := money.Format(payment.AmountCents, payment.Currency)

	m.AddRow(30,
		text.NewCol(8, "Receipt", props.Text{Size: 20, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, s.issuer, props.Text{Size: 12, Style: fontstyle.Bold, Align: align.Right}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+payment.ID.String(), props.Text{Top: 0}),
			text.New("Date paid: "+paidOn, props.Text{Top: 4}),
			text.New("Project: "+project.Name, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Billed to", props.Text{Style: fontstyle.Bold}),
			text.New(project.ClientName, props.Text{Top: 5}),
			text.New(project.ClientEmail, props.Text{Top: 9}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, total+" paid on "+paidOn, props.Text{Size: 14, Style: fontstyle.Bold, Top: 5}),
	)

	m.AddRow(10,
		text.NewCol(10, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	description := payment.Title
	if payment.Description != "" {
		description += " - " + payment.Description
	}
	m.AddRow(15,
		text.NewCol(10, description, props.Text{Size: 9}),
		text.NewCol(2, total, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, total, props.Text{Size: 9, Align: align.Right}),
	)
	if payment.PaymentIntentID != nil {
		m.AddRow(10,
			text.NewCol(12, "Payment reference: "+*payment.PaymentIntentID, props.Text{Size: 8, Top: 4}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
