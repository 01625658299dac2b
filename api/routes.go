package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"sidecart/internal/db"
	"sidecart/internal/query"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	SQLState string `json:"sqlstate,omitempty"`
}

// Gate runs read-only statements. *query.Gate implements it.
type Gate interface {
	Execute(ctx context.Context, statement string, params ...any) (query.Result, error)
	DescribeSchema(ctx context.Context, schema string) (query.Result, error)
}

// Pool reports pool health and accounting. *db.Pool implements it.
type Pool interface {
	HealthCheck(ctx context.Context) bool
	Stats() db.Stats
}

type QueryRequest struct {
	Statement string `json:"statement"`
	Params    []any  `json:"params"`
}

type QueryResponse struct {
	Columns []string    `json:"columns"`
	Rows    []query.Row `json:"rows"`
}

const maxBodyBytes = 1 << 20

func RegisterRoutes(r *gin.Engine, gate Gate, pool Pool) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
	})

	r.GET("/health", health(pool))
	r.GET("/stats", stats(pool))
	r.POST("/query", runQuery(gate))
	r.GET("/schema", describeSchema(gate))
}

func unavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, APIResponse{
		Error: &APIError{Code: "SERVICE_UNAVAILABLE", Message: "Database connection not available"},
	})
}

func health(pool Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			unavailable(c)
			return
		}
		st := pool.Stats()
		if !pool.HealthCheck(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, APIResponse{
				Data:  map[string]string{"status": "unhealthy", "pool": st.State.String()},
				Error: &APIError{Code: "UNHEALTHY", Message: "database health check failed"},
			})
			return
		}
		c.JSON(http.StatusOK, APIResponse{
			Success: true,
			Data:    map[string]string{"status": "ok", "pool": st.State.String()},
		})
	}
}

func stats(pool Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			unavailable(c)
			return
		}
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: pool.Stats()})
	}
}

func runQuery(gate Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil {
			unavailable(c)
			return
		}

		req, err := decodeQuery(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, APIResponse{
				Error: &APIError{Code: "INVALID_BODY", Message: err.Error()},
			})
			return
		}

		res, err := gate.Execute(c.Request.Context(), req.Statement, req.Params...)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: QueryResponse{Columns: res.Columns, Rows: res.Rows}})
	}
}

func describeSchema(gate Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil {
			unavailable(c)
			return
		}
		res, err := gate.DescribeSchema(c.Request.Context(), c.DefaultQuery("schema", query.DefaultSchema))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: QueryResponse{Columns: res.Columns, Rows: res.Rows}})
	}
}

// decodeQuery keeps JSON numbers exact: integral params bind as int64 and
// the rest as float64.
func decodeQuery(body io.Reader) (QueryRequest, error) {
	var req QueryRequest
	if body == nil {
		return req, errors.New("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	if req.Statement == "" {
		return req, errors.New("statement is required")
	}
	for i, p := range req.Params {
		switch v := p.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				req.Params[i] = n
			} else if f, err := v.Float64(); err == nil {
				req.Params[i] = f
			} else {
				return req, fmt.Errorf("param %d: %w", i+1, err)
			}
		case map[string]any, []any:
			return req, fmt.Errorf("param %d: only scalar values can be bound", i+1)
		}
	}
	return req, nil
}

func writeError(c *gin.Context, err error) {
	var (
		qerr   *query.QueryError
		status int
		body   APIError
	)
	switch {
	case errors.Is(err, query.ErrNotReadOnly):
		status, body = http.StatusBadRequest, APIError{Code: "READ_ONLY_VIOLATION", Message: err.Error()}
	case errors.Is(err, db.ErrPoolExhausted):
		status, body = http.StatusServiceUnavailable, APIError{Code: "POOL_EXHAUSTED", Message: err.Error()}
	case errors.Is(err, db.ErrPoolState):
		status, body = http.StatusServiceUnavailable, APIError{Code: "POOL_UNAVAILABLE", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, body = http.StatusGatewayTimeout, APIError{Code: "TIMEOUT", Message: err.Error()}
	case errors.As(err, &qerr):
		status, body = http.StatusUnprocessableEntity, APIError{Code: "QUERY_ERROR", Message: qerr.Err.Error(), SQLState: qerr.SQLState()}
	default:
		var cerr *db.ConnectionError
		if errors.As(err, &cerr) {
			status, body = http.StatusServiceUnavailable, APIError{Code: "CONNECTION_ERROR", Message: "cannot reach the database"}
		} else {
			status, body = http.StatusInternalServerError, APIError{Code: "INTERNAL", Message: "internal error"}
		}
	}
	_ = c.Error(err)
	c.JSON(status, APIResponse{Error: &body})
}
