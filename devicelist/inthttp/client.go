package inthttp

import (
	"context"
	"errors"
	"net/http"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal/httputil"
)

// HTTP paths for the internal HTTP API
const (
	QueryDeviceListHistoryPath  = "/devicelist/queryDeviceListHistory"
	QueryVerifiedDeviceListPath = "/devicelist/queryVerifiedDeviceList"
	QueryKeyserverDevicePath    = "/devicelist/queryKeyserverDevice"
	PerformCreateDeviceListPath = "/devicelist/performCreateDeviceList"
	PerformAddDevicePath        = "/devicelist/performAddDevice"
	PerformReplaceDevicePath    = "/devicelist/performReplaceDevice"
	PerformRemoveDevicePath     = "/devicelist/performRemoveDevice"
)

// NewDeviceListAPIClient creates a DeviceListInternalAPI implemented by
// talking to an HTTP POST API. If httpClient is nil an error is
// returned.
func NewDeviceListAPIClient(apiURL string, httpClient *http.Client) (api.DeviceListInternalAPI, error) {
	if httpClient == nil {
		return nil, errors.New("NewDeviceListAPIClient: httpClient is <nil>")
	}
	return &httpDeviceListInternalAPI{
		apiURL:     apiURL,
		httpClient: httpClient,
	}, nil
}

type httpDeviceListInternalAPI struct {
	apiURL     string
	httpClient *http.Client
}

func (h *httpDeviceListInternalAPI) QueryDeviceListHistory(ctx context.Context, req *api.QueryDeviceListHistoryRequest, res *api.QueryDeviceListHistoryResponse) error {
	return httputil.CallInternalRPCAPI(
		"QueryDeviceListHistory", h.apiURL+QueryDeviceListHistoryPath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpDeviceListInternalAPI) QueryVerifiedDeviceList(ctx context.Context, req *api.QueryVerifiedDeviceListRequest, res *api.QueryVerifiedDeviceListResponse) error {
	return httputil.CallInternalRPCAPI(
		"QueryVerifiedDeviceList", h.apiURL+QueryVerifiedDeviceListPath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpDeviceListInternalAPI) QueryKeyserverDevice(ctx context.Context, req *api.QueryKeyserverDeviceRequest, res *api.QueryKeyserverDeviceResponse) error {
	return httputil.CallInternalRPCAPI(
		"QueryKeyserverDevice", h.apiURL+QueryKeyserverDevicePath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpDeviceListInternalAPI) PerformCreateDeviceList(ctx context.Context, req *api.PerformCreateDeviceListRequest, res *api.PerformDeviceListUpdateResponse) error {
	return httputil.CallInternalRPCAPI(
		"PerformCreateDeviceList", h.apiURL+PerformCreateDeviceListPath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpDeviceListInternalAPI) PerformAddDevice(ctx context.Context, req *api.PerformAddDeviceRequest, res *api.PerformDeviceListUpdateResponse) error {
	return httputil.CallInternalRPCAPI(
		"PerformAddDevice", h.apiURL+PerformAddDevicePath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpDeviceListInternalAPI) PerformReplaceDevice(ctx context.Context, req *api.PerformReplaceDeviceRequest, res *api.PerformDeviceListUpdateResponse) error {
	return httputil.CallInternalRPCAPI(
		"PerformReplaceDevice", h.apiURL+PerformReplaceDevicePath,
		h.httpClient, ctx, req, res,
	)
}

func (h *httpDeviceListInternalAPI) PerformRemoveDevice(ctx context.Context, req *api.PerformRemoveDeviceRequest, res *api.PerformDeviceListUpdateResponse) error {
	return httputil.CallInternalRPCAPI(
		"PerformRemoveDevice", h.apiURL+PerformRemoveDevicePath,
		h.httpClient, ctx, req, res,
	)
}
