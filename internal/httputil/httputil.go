package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"
)

// InternalPathPrefix is prepended to every internal API route.
const InternalPathPrefix = "/api/internal/"

// InternalAPIError is the wire form of an error returned by an internal
// RPC handler. The Type field carries the Go type of the original error
// so that callers can at least log something useful.
type InternalAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e InternalAPIError) Error() string {
	return fmt.Sprintf("internal API returned %q error: %s", e.Type, e.Message)
}

// MakeInternalRPCAPI turns a request/response function into an HTTP
// handler for the internal API mux.
func MakeInternalRPCAPI[reqtype, restype any](name string, f func(context.Context, *reqtype, *restype) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request reqtype
		var response restype
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			respondJSON(w, http.StatusBadRequest, &InternalAPIError{
				Type:    "json.Decode",
				Message: err.Error(),
			})
			return
		}
		if err := f(r.Context(), &request, &response); err != nil {
			logrus.WithError(err).WithField("rpc", name).Debug("Internal RPC call failed")
			respondJSON(w, http.StatusInternalServerError, &InternalAPIError{
				Type:    reflect.TypeOf(err).String(),
				Message: err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, &response)
	})
}

// CallInternalRPCAPI performs a POST against the named internal RPC
// route, filling in the response on success.
func CallInternalRPCAPI[reqtype, restype any](name, apiURL string, client *http.Client, ctx context.Context, request *reqtype, response *restype) error {
	err := PostJSON[reqtype, restype, InternalAPIError](ctx, client, apiURL, request, response)
	if err != nil {
		logrus.WithError(err).WithField("rpc", name).Debug("Internal RPC request failed")
	}
	return err
}

// PostJSON performs a POST request with JSON on an internal HTTP API.
// The error will match the errtype if returned from the remote API, or
// will be a different type if there was a problem reaching the API.
func PostJSON[reqtype, restype any, errtype error](
	ctx context.Context, httpClient *http.Client,
	apiURL string, request *reqtype, response *restype,
) error {
	jsonBytes, err := json.Marshal(request)
	if err != nil {
		return err
	}

	parsedAPIURL, err := url.Parse(apiURL)
	if err != nil {
		return err
	}
	parsedAPIURL.Path = InternalPathPrefix + strings.TrimLeft(parsedAPIURL.Path, "/")
	apiURL = parsedAPIURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpClient.Do(req)
	if res != nil {
		defer res.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return err
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		if len(body) == 0 {
			return fmt.Errorf("HTTP %d from %s (no response body)", res.StatusCode, apiURL)
		}
		var reserr errtype
		if err = json.Unmarshal(body, &reserr); err != nil {
			return fmt.Errorf("HTTP %d from %s - %w", res.StatusCode, apiURL, err)
		}
		return reserr
	}
	if err = json.Unmarshal(body, response); err != nil {
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to write internal API response")
	}
}
