package s3backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/gophtransfer/internal/netx"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
)

// signedHeaders flattens the headers a presigned request must carry. Host is
// set by the transport.
func signedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func (b *Backend) signParts(ctx context.Context, tok confirmToken, window remote.PartRange) (remote.SigningWindow, error) {
	if window.Len() == 0 || window.Len() > remote.MaxSigningWindow || window.First < 1 {
		return remote.SigningWindow{}, remote.NewError("sign-parts",
			fmt.Errorf("%w: signing window %s", remote.ErrInvalidArgument, window)).WithKey(tok.Final)
	}

	expires := b.now().Add(b.opts.PresignTTL)
	win := remote.SigningWindow{Range: window, Parts: make(map[int]remote.SignedPart, window.Len())}

	for n := window.First; n <= window.Last; n++ {
		req, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     b.bucket(),
			Key:        aws.String(tok.Staging),
			UploadId:   aws.String(tok.UploadID),
			PartNumber: aws.Int32(int32(n)),
		}, b.presignExpires())
		if err != nil {
			return remote.SigningWindow{}, mapSDKError("sign-parts", tok.Final, err)
		}
		win.Parts[n] = remote.SignedPart{
			PartNumber: n,
			URL:        req.URL,
			Headers:    signedHeaders(req.SignedHeader),
			Expires:    expires,
		}
	}
	return win, nil
}

func (b *Backend) Put(ctx context.Context, target remote.UploadTarget, body io.Reader, size int64) (string, error) {
	etag, err := b.http.Put(ctx, target.URL, target.Headers, body, size)
	return etag, mapHTTPError(ctx, "put", "", err)
}

func (b *Backend) UploadPart(ctx context.Context, part remote.SignedPart, body io.Reader, size int64) (string, error) {
	etag, err := b.http.Put(ctx, part.URL, part.Headers, body, size)
	return etag, mapHTTPError(ctx, fmt.Sprintf("upload-part %d", part.PartNumber), "", err)
}

func (b *Backend) RenewSigningWindow(ctx context.Context, confirmKey string, window remote.PartRange) (remote.SigningWindow, error) {
	tok, err := decodeToken(confirmKey)
	if err != nil {
		return remote.SigningWindow{}, remote.NewError("renew", err)
	}
	if !tok.multipart() {
		return remote.SigningWindow{}, remote.NewError("renew",
			fmt.Errorf("%w: not a multipart session", remote.ErrInvalidArgument)).WithKey(tok.Final)
	}
	return b.signParts(ctx, tok, window)
}

func (b *Backend) ListParts(ctx context.Context, confirmKey string) (remote.SessionParts, error) {
	tok, err := decodeToken(confirmKey)
	if err != nil {
		return remote.SessionParts{}, remote.NewError("list-parts", err)
	}

	if _, ok, err := b.committedKey(ctx, tok); err != nil {
		return remote.SessionParts{}, err
	} else if ok {
		return remote.SessionParts{Confirmed: true}, nil
	}

	if !tok.multipart() {
		return remote.SessionParts{}, remote.NewError("list-parts", remote.ErrSessionNotFound).WithKey(tok.Final)
	}

	parts, err := b.listParts(ctx, tok)
	if err != nil {
		return remote.SessionParts{}, err
	}
	return remote.SessionParts{Parts: parts}, nil
}

func (b *Backend) listParts(ctx context.Context, tok confirmToken) ([]remote.PartDescriptor, error) {
	p := s3.NewListPartsPaginator(b.api, &s3.ListPartsInput{
		Bucket:   b.bucket(),
		Key:      aws.String(tok.Staging),
		UploadId: aws.String(tok.UploadID),
	})

	var parts []remote.PartDescriptor
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapSDKError("list-parts", tok.Final, err)
		}
		for _, part := range page.Parts {
			parts = append(parts, remote.PartDescriptor{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				Size:       aws.ToInt64(part.Size),
				ETag:       aws.ToString(part.ETag),
			})
		}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (b *Backend) Abort(ctx context.Context, confirmKey string) error {
	tok, err := decodeToken(confirmKey)
	if err != nil {
		return remote.NewError("abort", err)
	}

	var abortErr error
	if tok.multipart() {
		_, err := b.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   b.bucket(),
			Key:      aws.String(tok.Staging),
			UploadId: aws.String(tok.UploadID),
		})
		abortErr = mapSDKError("abort", tok.Final, err)
	}

	// a simple upload may have landed on the staging key already
	if _, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: b.bucket(), Key: aws.String(tok.Staging)}); err != nil && abortErr == nil {
		abortErr = mapSDKError("abort", tok.Final, err)
	}
	return abortErr
}

func (b *Backend) RangedGet(ctx context.Context, url string, start int64) (*remote.ObjectReader, error) {
	resp, err := b.http.Get(ctx, url, start)
	if err != nil {
		return nil, mapHTTPError(ctx, "ranged-get", "", err)
	}

	r := &remote.ObjectReader{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		TotalSize:     resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		Partial:       resp.StatusCode == http.StatusPartialContent,
	}
	if r.Partial {
		r.TotalSize = netx.TotalSize(resp.Header.Get("Content-Range"))
	}
	return r, nil
}
