package services

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

// PaymentNoticeService builds ISO 20022 pacs.002 payment status reports for
// the bank-integration feed. A reversed (bounced) payment goes out as an RJCT
// status against the original transaction ids so the bank side can tie the
// return back to the instruction it rejected.
type PaymentNoticeService struct {
	logger *zap.Logger
}

func NewPaymentNoticeService(logger *zap.Logger) *PaymentNoticeService {
	return &PaymentNoticeService{logger: logger}
}

// BuildReturnNotice creates a pacs.002 document reporting the payment as RJCT.
func (s *PaymentNoticeService) BuildReturnNotice(payment *models.Transaction, reversalID string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	if payment == nil {
		return nil, fmt.Errorf("nil payment")
	}

	msgID := uuid.New().String()
	externalRef := payment.ExternalReference
	if externalRef == "" {
		externalRef = payment.ID
	}

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(time.Now().UTC()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(payment.ID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(externalRef)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(reversalID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code("RJCT")}[0],
			},
		},
	}
	return doc, nil
}

// ToXML converts an ISO 20022 document to an XML string.
func (s *PaymentNoticeService) ToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// EmitReturnNotice builds and hands off the RJCT report. Delivery to the bank
// feed is fire-and-forget from the reversal's point of view: a failed notice
// never blocks or unwinds the reversal itself.
func (s *PaymentNoticeService) EmitReturnNotice(payment *models.Transaction, reversalID string) {
	doc, err := s.BuildReturnNotice(payment, reversalID)
	if err != nil {
		s.logger.Warn("payment return notice skipped", zap.Error(err))
		return
	}
	notice, err := s.ToXML(doc)
	if err != nil {
		s.logger.Warn("payment return notice marshal failed", zap.Error(err))
		return
	}
	// TODO: post to the bank-integration feed once credentials land; the ops
	// log is the consumer until then.
	s.logger.Info("payment return notice",
		zap.String("payment", payment.ID),
		zap.String("reversal", reversalID),
		zap.Int("notice_bytes", len(notice)))
}
