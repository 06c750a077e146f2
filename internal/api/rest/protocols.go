package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/gin-gonic/gin"
)

// POST /api/v1/protocols/validate
// Validates without touching hardware. Invalid documents still answer 200 with the report.
func (s *Server) validateProtocol(c *gin.Context) {
	doc, ok := s.readDocument(c)
	if !ok {
		return
	}
	format := protocol.FormatFromContentType(c.ContentType())

	report, p, err := protocol.Check(doc, format)
	var validationErr *types.ValidationError
	if err != nil && !errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PROTOCOL_400", "Protocol could not be checked", err.Error()))
		return
	}

	resp := gin.H{"report": report}
	if p != nil {
		kinds := make(map[string]int)
		for kind, n := range p.Kinds() {
			kinds[string(kind)] = n
		}
		resp["name"] = p.Name()
		resp["steps"] = p.Len()
		resp["kinds"] = kinds

		if canonical, err := protocol.Marshal(p, format); err == nil {
			resp["canonical"] = string(canonical)
		}
	}
	c.JSON(http.StatusOK, resp)
}
