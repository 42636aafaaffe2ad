package s3backend

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/dmitrijs2005/gophtransfer/internal/netx"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
)

// s3ErrorBody is the XML error document S3 returns on failed requests.
type s3ErrorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

// classify maps an S3 error code and HTTP status to a remote sentinel.
func classify(code, message string, status int) error {
	switch code {
	case "RequestTimeTooSkewed", "ExpiredToken", "TokenRefreshRequired":
		return remote.ErrSignatureExpired
	case "AccessDenied":
		if strings.Contains(message, "Request has expired") {
			return remote.ErrSignatureExpired
		}
		return remote.ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled", "Forbidden":
		return remote.ErrAccessDenied
	case "NoSuchKey", "NotFound":
		return remote.ErrNotFound
	case "NoSuchUpload":
		return remote.ErrSessionNotFound
	case "InvalidRange":
		return remote.ErrInvalidRange
	case "QuotaExceeded", "XMinioStorageFull", "XMinioAdminBucketQuotaExceeded":
		return remote.ErrQuotaExceeded
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return remote.ErrUnavailable
	case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
		return remote.ErrIntegrity
	case "PreconditionFailed":
		return remote.ErrConflict
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "EntityTooLarge",
		"InvalidArgument", "InvalidRequest", "MalformedXML":
		return remote.ErrInvalidArgument
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return remote.ErrAccessDenied
	case status == http.StatusNotFound:
		return remote.ErrNotFound
	case status == http.StatusRequestedRangeNotSatisfiable:
		return remote.ErrInvalidRange
	case status == http.StatusInsufficientStorage:
		return remote.ErrQuotaExceeded
	case status >= 500:
		return remote.ErrUnavailable
	case status >= 400:
		return remote.ErrInvalidArgument
	}
	return nil
}

// mapSDKError classifies an error returned by the S3 SDK client.
func mapSDKError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return remote.NewError(op, err).WithKey(key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		se := &remote.ServerError{
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
		}

		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			se.StatusCode = respErr.HTTPStatusCode()
			se.RequestID = respErr.ServiceRequestID()
		}

		se.Kind = classify(se.Code, se.Message, se.StatusCode)
		return remote.NewError(op, se).WithKey(key)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return remote.NewError(op, fmt.Errorf("%w: %w", remote.ErrNetwork, err)).WithKey(key)
	}

	return remote.NewError(op, err).WithKey(key)
}

// mapHTTPError classifies an error from a presigned URL request.
func mapHTTPError(ctx context.Context, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return remote.NewError(op, ctxErr).WithKey(key)
	}

	var statusErr *netx.StatusError
	if !errors.As(err, &statusErr) {
		return remote.NewError(op, fmt.Errorf("%w: %w", remote.ErrNetwork, err)).WithKey(key)
	}

	se := &remote.ServerError{StatusCode: statusErr.StatusCode}

	var body s3ErrorBody
	if len(statusErr.Body) > 0 && xml.Unmarshal(statusErr.Body, &body) == nil {
		se.Code = body.Code
		se.Message = body.Message
		se.RequestID = body.RequestID
	}
	if se.RequestID == "" && statusErr.Header != nil {
		se.RequestID = statusErr.Header.Get("X-Amz-Request-Id")
	}

	se.Kind = classify(se.Code, se.Message, se.StatusCode)
	return remote.NewError(op, se).WithKey(key)
}

func isNotFound(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}
