package aws

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
)

var throttlingCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
}

// ClassifyError maps an AWS call failure to the application taxonomy:
// deadline overruns become timeouts, throttling becomes a retryable internal
// error, anything else is wrapped with op.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if te := apperr.FromContext(err, op); te != nil {
		return te
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		e := apperr.Wrap(apperr.KindInternal, err, "%s throttled", op)
		e.Retryable = true
		return e
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsConditionFailed reports whether err is a failed condition expression.
func IsConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// CancellationCodes returns the per-item reason codes of a cancelled
// transaction, or nil if err is not a cancellation.
func CancellationCodes(err error) []string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			codes[i] = *r.Code
		}
	}
	return codes
}
