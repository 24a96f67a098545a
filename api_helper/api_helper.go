package api_helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/utils"
	"github.com/ztrue/tracerr"
	"io"
	"net/http"
	"strings"
)

// ServerError is the body of every non-2xx answer of a channel server.
type ServerError struct {
	Code   string `json:"error_code"`
	Detail string `json:"detail,omitempty"`
}

type Header struct {
	Name  string
	Value string
}

// ApiClient calls a channel server over HTTP, authenticated with a session token.
type ApiClient struct {
	client       *http.Client
	ApiURL       string
	SessionToken string
	ExtraHeaders []Header
	Logger       zerolog.Logger
}

func NewApiClient(apiUrl string, sessionToken string, extraHeaders []Header, logger zerolog.Logger) *ApiClient {
	return &ApiClient{
		client:       &http.Client{},
		ApiURL:       strings.TrimSuffix(apiUrl, "/"),
		SessionToken: sessionToken,
		ExtraHeaders: extraHeaders,
		Logger:       logger,
	}
}

// Headers returns the headers sent with every request.
func (apiClient *ApiClient) Headers() http.Header {
	headers := http.Header{}
	for _, h := range apiClient.ExtraHeaders {
		headers.Add(h.Name, h.Value)
	}
	if apiClient.SessionToken != "" {
		headers.Set("Authorization", "Bearer "+apiClient.SessionToken)
	}
	return headers
}

// WebsocketURL returns the ws:// or wss:// URL of path on the server.
func (apiClient *ApiClient) WebsocketURL(path string) string {
	u := apiClient.ApiURL + path
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func (apiClient *ApiClient) MakeRequest(ctx context.Context, method string, url string, requestBody []byte, expectedStatusCode int) ([]byte, error) {
	if apiClient.client == nil {
		apiClient.client = &http.Client{}
	}

	var body io.Reader
	if requestBody != nil {
		body = bytes.NewBuffer(requestBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiClient.ApiURL+url, body)
	if err != nil {
		return nil, tracerr.Wrap(utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: method, Url: apiClient.ApiURL + url})
	}
	req.Header = apiClient.Headers()
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	apiClient.Logger.Debug().Msg("API call: " + method + " " + req.URL.String())
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Request body: %s", requestBody))
	resp, err := apiClient.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, tracerr.Wrap(ctx.Err())
		}
		return nil, tracerr.Wrap(utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()})
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tracerr.Wrap(utils.APIError{Status: 0, Code: "RESPONSE_READER_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()})
	}

	apiClient.Logger.Debug().Msg(fmt.Sprintf("Received response to %s %s, status code: %d", req.Method, req.URL.String(), resp.StatusCode))
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Response body: %s", responseBody))
	if resp.StatusCode != expectedStatusCode {
		return nil, tracerr.Wrap(ResponseError(method, req.URL.String(), resp.StatusCode, responseBody))
	}

	return responseBody, nil
}

// ResponseError builds the APIError of an unexpected response, from the ServerError in its body when there is one.
func ResponseError(method string, url string, status int, body []byte) utils.APIError {
	var responseServerError ServerError
	err := json.Unmarshal(body, &responseServerError)
	if err != nil || responseServerError.Code == "" {
		return utils.APIError{Status: status, Code: "UNKNOWN", Raw: string(body), Method: method, Url: url}
	}
	return utils.APIError{
		Status:  status,
		Code:    responseServerError.Code,
		Details: responseServerError.Detail,
		Url:     url,
		Method:  method,
		Raw:     string(body),
	}
}

// DoJSON sends in as a JSON body (if not nil) and decodes the answer into out (if not nil).
func (apiClient *ApiClient) DoJSON(ctx context.Context, method string, url string, in any, out any, expectedStatusCode int) error {
	var requestBody []byte
	if in != nil {
		var err error
		requestBody, err = json.Marshal(in)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	responseBody, err := apiClient.MakeRequest(ctx, method, url, requestBody, expectedStatusCode)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if out == nil {
		return nil
	}
	return tracerr.Wrap(json.Unmarshal(responseBody, out))
}

// WriteJSON answers with status and v as a JSON body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError answers with status and a ServerError body.
func WriteError(w http.ResponseWriter, status int, code string, detail string) {
	WriteJSON(w, status, ServerError{Code: code, Detail: detail})
}
