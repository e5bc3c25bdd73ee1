package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// Identity headers set by the upstream authorizer. Tokens never reach this
// service.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

const actorKey = "actor"

// identify reads the caller's identity. Requests without an id are
// anonymous; an id with an unknown role is rejected.
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderActorID)
		if id == "" {
			c.Set(actorKey, orders.Actor{})
			c.Next()
			return
		}
		role, ok := orders.ParseRole(c.GetHeader(HeaderActorRole))
		if !ok {
			abortWithError(c, apperr.New(apperr.KindUnauthorized, "unknown role %q", c.GetHeader(HeaderActorRole)))
			return
		}
		c.Set(actorKey, orders.Actor{ID: id, Role: role})
		c.Next()
	}
}

// requireStaff rejects anonymous callers.
func requireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorFrom(c).Anonymous() {
			abortWithError(c, apperr.New(apperr.KindUnauthorized, "staff credentials required"))
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) orders.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(orders.Actor); ok {
			return a
		}
	}
	return orders.Actor{}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errorStatus(err), errorBody(err))
}

func errorStatus(err error) int { return apperr.HTTPStatus(err) }

// errorBody renders {"ok": false, "error": kind, "message": ...} plus any
// structured context the error carries.
func errorBody(err error) gin.H {
	kind := apperr.KindOf(err)
	body := gin.H{
		"ok":    false,
		"error": string(kind),
	}
	if errorStatus(err) >= http.StatusInternalServerError && kind == apperr.KindInternal {
		body["message"] = "internal server error"
		return body
	}
	body["message"] = err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		for k, v := range ae.Context {
			if k == "guard" {
				continue
			}
			body[k] = v
		}
	}
	return body
}
