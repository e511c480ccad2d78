/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests, and can also target a running
service over the network with NewWithURL.
*/
package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
}

// NewWithRouter creates a client that makes pseudo-REST requests directly
// through the mux router.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router: router,
	}
}

// NewWithURL creates a client that makes REST requests to a running service.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client that presents the token as bearer
// authorization on every request.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

func (c Client) do(method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, err := http.NewRequest(method, c.url+path, reader)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Code, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

func (c Client) roundTrip(method, path string, body, result interface{}) (int, error) {
	var j []byte
	if body != nil {
		var ok bool
		if j, ok = body.([]byte); !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
	}

	status, resBody, err := c.do(method, path, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// result can be map[string]interface{} or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.roundTrip(http.MethodGet, path, nil, result)
}

// RawPost posts a resource to path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPost(path string, body, result interface{}) (int, error) {
	return c.roundTrip(http.MethodPost, path, body, result)
}

// RawPatch puts a partial update to path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPatch(path string, body, result interface{}) (int, error) {
	return c.roundTrip(http.MethodPatch, path, body, result)
}

// RawDelete deletes the resource at path. Expects http.StatusOK as response,
// otherwise it will flag an error. The response body is the number of rows
// removed. Returns the actual http status code.
func (c Client) RawDelete(path string, result interface{}) (int, error) {
	return c.roundTrip(http.MethodDelete, path, nil, result)
}
