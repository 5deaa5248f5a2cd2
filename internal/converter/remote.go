package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
)

const (
	defaultAuthorityURL = "https://login.microsoftonline.com"
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	defaultGraphScope   = "https://graph.microsoft.com/.default"
	defaultHTTPTimeout  = 60 * time.Second

	// RemoteOutputName is the download name of every remote rendition.
	RemoteOutputName = "outputfilename.pdf"

	maxErrorBodyBytes = 1 << 20
)

// RemoteOptions configures a RemoteConverter.
type RemoteOptions struct {
	AuthorityURL string
	GraphBaseURL string
	Scope        string
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Observer     Observer
}

// RemoteConverter asks Microsoft Graph for the PDF rendition of a drive item,
// authenticating with the caller's client credentials.
type RemoteConverter struct {
	opts RemoteOptions
}

// NewRemoteConverter creates a RemoteConverter, filling zero-valued options
// with the public Microsoft endpoints.
func NewRemoteConverter(opts RemoteOptions) *RemoteConverter {
	if opts.AuthorityURL == "" {
		opts.AuthorityURL = defaultAuthorityURL
	}
	if opts.GraphBaseURL == "" {
		opts.GraphBaseURL = defaultGraphBaseURL
	}
	if opts.Scope == "" {
		opts.Scope = defaultGraphScope
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.AuthorityURL = strings.TrimRight(opts.AuthorityURL, "/")
	opts.GraphBaseURL = strings.TrimRight(opts.GraphBaseURL, "/")
	return &RemoteConverter{opts: opts}
}

// Convert implements Converter for RemoteRequest.
func (c *RemoteConverter) Convert(ctx context.Context, space *scratch.Space, req Request) (string, error) {
	remote, ok := req.(RemoteRequest)
	if !ok {
		return "", wrongRequest("converter.remote", req)
	}
	logCtx := c.opts.Logger.With("scratchId", space.ID(), "driveId", remote.DriveID, "fileId", remote.FileID)

	c.transition(logCtx, StateAuthenticating)
	token, err := c.authenticate(ctx, remote.Credentials)
	if err != nil {
		c.transition(logCtx, StateFailed)
		return "", err
	}

	c.transition(logCtx, StateRequesting)
	path, err := c.fetchRendition(ctx, space, remote, token)
	if err != nil {
		c.transition(logCtx, StateFailed)
		return "", err
	}

	c.transition(logCtx, StateDone)
	return path, nil
}

// TokenURL returns the v2 token endpoint of tenantID.
func (c *RemoteConverter) TokenURL(tenantID string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.opts.AuthorityURL, url.PathEscape(tenantID))
}

// RenditionURL returns the Graph URL of the PDF rendition of a drive item.
func (c *RemoteConverter) RenditionURL(driveID, fileID string) string {
	return fmt.Sprintf("%s/drives/%s/items/%s/content?format=pdf",
		c.opts.GraphBaseURL, url.PathEscape(driveID), url.PathEscape(fileID))
}

func (c *RemoteConverter) authenticate(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	const op = "converter.remote.authenticate"

	cc := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     c.TokenURL(creds.TenantID),
		Scopes:       []string{c.opts.Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.opts.HTTPClient)
	token, err := cc.Token(tokenCtx)
	if err == nil {
		return token, nil
	}

	pe := models.Wrap(models.KindAuthenticationFailed, op, "failed to acquire access token", err)
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		pe.Status = retrieveErr.Response.StatusCode
		pe.Message = fmt.Sprintf("token endpoint returned status %d", retrieveErr.Response.StatusCode)
	}
	return nil, pe
}

func (c *RemoteConverter) fetchRendition(ctx context.Context, space *scratch.Space, remote RemoteRequest, token *oauth2.Token) (string, error) {
	const op = "converter.remote.request"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RenditionURL(remote.DriveID, remote.FileID), nil)
	if err != nil {
		return "", models.Wrap(models.KindBadRequest, op, "failed to build rendition request", err)
	}
	token.SetAuthHeader(httpReq)

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return "", models.Wrap(models.KindConversionFailed, op, "rendition request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		pe := models.NewError(models.KindConversionFailed, op,
			fmt.Sprintf("rendition request returned status %d", resp.StatusCode))
		pe.Status = resp.StatusCode
		pe.Body = string(body)
		if readErr != nil {
			pe.Err = readErr
		}
		return "", pe
	}

	path, err := space.Write(RemoteOutputName, scratch.KindOutput, resp.Body)
	if err != nil {
		return "", models.Wrap(models.KindConversionFailed, op, "failed to save rendition", err)
	}
	return path, nil
}

func (c *RemoteConverter) transition(logCtx *slog.Logger, s State) {
	logCtx.Info("Remote conversion state changed.", "state", string(s))
	notify(c.opts.Observer, s)
}
