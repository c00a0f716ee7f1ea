package connectivity

import (
	"context"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/corecerts"
)

type fakeProvider struct {
	info []corecerts.ConnectivityInfo
	err  error
}

func (f *fakeProvider) GetConnectivityInfo(ctx context.Context) ([]corecerts.ConnectivityInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func TestClassifyThrottlingIsRetryable(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	classified := Classify(err)
	require.True(t, certerrors.Is(classified, certerrors.RetryableCloudError))
	require.True(t, IsRetryable(classified))
}

func TestClassifyInternalServerErrorIsRetryable(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "InternalServerError", Message: "oops"}
	classified := Classify(err)
	require.True(t, IsRetryable(classified))
}

func TestClassifyOtherIsTerminal(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ValidationException", Message: "bad request"}
	classified := Classify(err)
	require.True(t, certerrors.Is(classified, certerrors.TerminalCloudError))
	require.False(t, IsRetryable(classified))
}

func TestCachedProviderDedupesAndPreservesOrder(t *testing.T) {
	fp := &fakeProvider{info: []corecerts.ConnectivityInfo{
		{ID: "a", HostAddress: "10.0.0.1"},
		{ID: "b", HostAddress: "10.0.0.2"},
		{ID: "c", HostAddress: "10.0.0.1"},
	}}
	cp := NewCachedProvider(fp)

	require.Empty(t, cp.CachedHostAddresses())

	info, err := cp.GetConnectivityInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info, 3)

	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cp.CachedHostAddresses())
}

func TestCachedProviderKeepsStaleCacheOnError(t *testing.T) {
	fp := &fakeProvider{info: []corecerts.ConnectivityInfo{{ID: "a", HostAddress: "10.0.0.1"}}}
	cp := NewCachedProvider(fp)
	_, err := cp.GetConnectivityInfo(context.Background())
	require.NoError(t, err)

	fp.err = &smithy.GenericAPIError{Code: "InternalServerError"}
	_, err = cp.GetConnectivityInfo(context.Background())
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	require.Equal(t, []string{"10.0.0.1"}, cp.CachedHostAddresses())
}
