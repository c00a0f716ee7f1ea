package connectivity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4signer "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/log"
)

const awsIoTServiceName = "execute-api"

// AWSClient calls the AWS IoT GetConnectivityInfo API directly over the
// SDK's signed HTTP transport, SigV4-signing each request through
// aws-sdk-go-v2's credentials chain rather than hand-rolling one per
// caller, the way boulder's rpc package wraps a raw AMQP call behind a
// typed method.
type AWSClient struct {
	cfg        aws.Config
	httpClient aws.HTTPClient
	signer     *v4signer.Signer
	endpoint   string
	thingName  string
	log        log.Logger
}

// NewAWSClient constructs a client bound to thingName, using cfg for
// request signing and endpoint resolution. endpoint is the full
// GetConnectivityInfo URL for the account's IoT data-plane.
func NewAWSClient(cfg aws.Config, endpoint, thingName string, logger log.Logger) *AWSClient {
	if logger == nil {
		logger = log.NopLogger{}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AWSClient{
		cfg:        cfg,
		httpClient: httpClient,
		signer:     v4signer.NewSigner(),
		endpoint:   endpoint,
		thingName:  thingName,
		log:        logger,
	}
}

type getConnectivityInfoResponse struct {
	ConnectivityInfo []struct {
		ID          string `json:"id"`
		HostAddress string `json:"hostAddress"`
		PortNumber  int    `json:"portNumber"`
		Metadata    string `json:"metadata"`
	} `json:"connectivityInfo"`
}

// GetConnectivityInfo implements Provider.
func (c *AWSClient) GetConnectivityInfo(ctx context.Context) ([]corecerts.ConnectivityInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, certerrors.TerminalCloud(err, "building connectivity request")
	}

	if err := c.sign(ctx, req); err != nil {
		return nil, certerrors.TerminalCloud(err, "signing connectivity request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Classify(apiError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, certerrors.RetryableCloud(nil, "connectivity lookup returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, certerrors.RetryableCloud(nil, "connectivity lookup throttled")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, certerrors.TerminalCloud(nil, "connectivity lookup returned %d", resp.StatusCode)
	}

	var body getConnectivityInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, certerrors.TerminalCloud(err, "decoding connectivity response")
	}

	out := make([]corecerts.ConnectivityInfo, 0, len(body.ConnectivityInfo))
	for _, ci := range body.ConnectivityInfo {
		out = append(out, corecerts.ConnectivityInfo{
			ID:          ci.ID,
			HostAddress: ci.HostAddress,
			Port:        ci.PortNumber,
			Metadata:    ci.Metadata,
		})
	}

	c.log.Debugf("fetched %d connectivity entries for %s", len(out), c.thingName)
	return out, nil
}

// sign SigV4-signs req in place using the client's credentials and
// region, the same signing step a generated aws-sdk-go-v2 service
// client applies internally before dispatching a request.
func (c *AWSClient) sign(ctx context.Context, req *http.Request) error {
	creds, err := c.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return err
	}
	payloadHash := sha256.Sum256(nil)
	if req.Body != nil {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(req.Body); err != nil {
			return err
		}
		req.Body = nil
		payloadHash = sha256.Sum256(buf.Bytes())
	}
	return c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(payloadHash[:]), awsIoTServiceName, c.cfg.Region, time.Now())
}

// apiError wraps a transport-level error in a minimal smithy.APIError
// so Classify's type switch has something to key on even when the
// failure happened before a service response was parsed.
func apiError(err error) error {
	return &smithy.GenericAPIError{Code: "InternalServerError", Message: fmt.Sprintf("transport error: %s", err)}
}
