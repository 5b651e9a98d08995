package inthttp

import (
	"github.com/gorilla/mux"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal/httputil"
)

// AddRoutes adds the DeviceListInternalAPI handlers to the internal
// API mux.
func AddRoutes(internalAPIMux *mux.Router, s api.DeviceListInternalAPI) {
	internalAPIMux.Handle(
		QueryDeviceListHistoryPath,
		httputil.MakeInternalRPCAPI("DeviceListQueryDeviceListHistory", s.QueryDeviceListHistory),
	)
	internalAPIMux.Handle(
		QueryVerifiedDeviceListPath,
		httputil.MakeInternalRPCAPI("DeviceListQueryVerifiedDeviceList", s.QueryVerifiedDeviceList),
	)
	internalAPIMux.Handle(
		QueryKeyserverDevicePath,
		httputil.MakeInternalRPCAPI("DeviceListQueryKeyserverDevice", s.QueryKeyserverDevice),
	)
	internalAPIMux.Handle(
		PerformCreateDeviceListPath,
		httputil.MakeInternalRPCAPI("DeviceListPerformCreateDeviceList", s.PerformCreateDeviceList),
	)
	internalAPIMux.Handle(
		PerformAddDevicePath,
		httputil.MakeInternalRPCAPI("DeviceListPerformAddDevice", s.PerformAddDevice),
	)
	internalAPIMux.Handle(
		PerformReplaceDevicePath,
		httputil.MakeInternalRPCAPI("DeviceListPerformReplaceDevice", s.PerformReplaceDevice),
	)
	internalAPIMux.Handle(
		PerformRemoveDevicePath,
		httputil.MakeInternalRPCAPI("DeviceListPerformRemoveDevice", s.PerformRemoveDevice),
	)
}
