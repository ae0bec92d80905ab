/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package shardkit

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

/*******************************************************************************
 *                              REST API CORE
 *******************************************************************************/

// restApi is the thin plumbing layer over the rate-limit engine that the
// fleet coordinator needs: fetching gateway connection metadata. A full
// request-method façade enumerating every endpoint is out of scope; callers
// that need other routes use (*requester).do directly.
type restApi struct {
	req    *requester
	logger Logger
}

// newRestApi creates a new RestAPI instance with optional custom requester and logger.
func newRestApi(req *requester, logger Logger) *restApi {
	return &restApi{
		req:    req,
		logger: logger,
	}
}

// Shutdown gracefully shuts down the REST API client.
func (r *restApi) Shutdown() {
	r.logger.Info("RestAPI shutting down")
	r.req.Shutdown()
	r.logger = nil
	r.req = nil
}

func (r *restApi) doRequest(method, endpoint string, body []byte, authWithToken bool, reason string) ([]byte, error) {
	r.logger.Debug("Calling endpoint: " + method + endpoint)

	res, err := r.req.do(method, endpoint, body, authWithToken, reason)
	if err != nil {
		r.logger.Error("Request failed for endpoint " + method + endpoint + ": " + err.Error())
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		r.logger.Error("Request failed for endpoint " + method + endpoint + ": Invalid Token")
		return nil, errors.New("invalid token")
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		r.logger.Error("Failed reading response body for endpoint " + method + endpoint + ": " + err.Error())
		return nil, err
	}

	r.logger.Debug("Successfully called endpoint: " + method + endpoint)
	return bodyBytes, nil
}

/*******************************************************************************
 *                              GATEWAY METHODS
 *******************************************************************************/

// FetchGatewayBot retrieves the recommended shard count, session start limit
// and gateway URL for the current bot token. This is the one REST call the
// fleet coordinator issues directly; everything else is out of the core.
func (r *restApi) FetchGatewayBot() (GatewayBot, error) {
	body, err := r.doRequest("GET", "/gateway/bot", nil, true, "")
	if err != nil {
		return GatewayBot{}, err
	}

	var obj GatewayBot
	if err := sonic.Unmarshal(body, &obj); err != nil {
		r.logger.Error("Failed parsing response for /gateway/bot: " + err.Error())
		return GatewayBot{}, newGatewayError(GatewayErrInvalidRestResponse, "/gateway/bot", err)
	}
	return obj, nil
}
