package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/blasrt/pkg/accel"
	"github.com/samcharles93/blasrt/pkg/qblock"
)

type GemmRequest struct {
	M      int       `json:"m"`
	N      int       `json:"n"`
	K      int       `json:"k"`
	Alpha  float32   `json:"alpha"`
	Beta   float32   `json:"beta"`
	A      []float32 `json:"a"`
	B      []float32 `json:"b"`
	C      []float32 `json:"c"`
	Kernel int       `json:"kernel"`
}

// GemmResponse carries the run ID and the updated C.
type GemmResponse struct {
	ID     string    `json:"id"`
	Kernel int       `json:"kernel"`
	C      []float32 `json:"c"`
}

// DequantizeRequest carries packed blocks; Blocks travels as base64.
type DequantizeRequest struct {
	Blocks []byte `json:"blocks"`
	Count  int    `json:"count"`
	Kernel int    `json:"kernel"`
}

// DequantizeResponse carries the run ID and the decoded values.
type DequantizeResponse struct {
	ID     string    `json:"id"`
	Values []float32 `json:"values"`
}

func (s *Server) handleDevice(c *echo.Context) error {
	var info accel.Info
	err := s.withContext(func(ac *accel.Context) error {
		var err error
		info, err = ac.Info()
		return err
	})
	if err != nil {
		return s.writeAccelError(c, err)
	}
	return writeJSON(c, http.StatusOK, info)
}

func (s *Server) handleGemm(c *echo.Context) error {
	req, err := decodeJSON[GemmRequest](c.Request().Body, s.maxBody)
	if err != nil {
		return writeBadRequest(c, "invalid JSON: "+err.Error())
	}
	if req.M <= 0 || req.N <= 0 || req.K <= 0 {
		return writeBadRequest(c, "m, n and k must be positive")
	}
	if !s.fits(req.M, req.K) || !s.fits(req.K, req.N) || !s.fits(req.M, req.N) {
		return writeBadRequest(c, "matrix dimensions exceed the request size limit")
	}
	if req.C == nil {
		req.C = make([]float32, req.M*req.N)
	}

	var resp GemmResponse
	err = s.withContext(func(ac *accel.Context) error {
		id, err := ac.GemmHost(req.M, req.N, req.K, req.Alpha, req.A, req.B, req.Beta, req.C, req.Kernel)
		if err != nil {
			return err
		}
		resp = GemmResponse{ID: id.String(), Kernel: req.Kernel, C: req.C}
		return nil
	})
	if err != nil {
		return s.writeAccelError(c, err)
	}
	s.log.Debug("gemm served", "run", resp.ID, "m", req.M, "n", req.N, "k", req.K)
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDequantize(c *echo.Context) error {
	req, err := decodeJSON[DequantizeRequest](c.Request().Body, s.maxBody)
	if err != nil {
		return writeBadRequest(c, "invalid JSON: "+err.Error())
	}

	count := max(req.Count, 0)
	if count/qblock.ValuesPerBlock > len(req.Blocks)/qblock.BlockSize {
		return writeBadRequest(c, "count exceeds the supplied blocks")
	}

	values := make([]float32, count)
	var id uuid.UUID
	err = s.withContext(func(ac *accel.Context) error {
		var err error
		id, err = ac.DequantizeHost(req.Blocks, values, req.Kernel)
		return err
	})
	if err != nil {
		return s.writeAccelError(c, err)
	}
	return writeJSON(c, http.StatusOK, DequantizeResponse{ID: id.String(), Values: values})
}

// fits reports whether a rows x cols float32 matrix stays within the body
// limit. rows and cols must be positive.
func (s *Server) fits(rows, cols int) bool {
	return int64(rows) <= s.maxBody/4/int64(cols)
}
