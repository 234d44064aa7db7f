package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jamesxu042/custody-service/internal/ledger"
	"github.com/jamesxu042/custody-service/internal/lockmgr"
	"github.com/jamesxu042/custody-service/internal/repo"
	"github.com/jamesxu042/custody-service/internal/service"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func RegisterHandlers(r *gin.Engine, svc *service.CustodyService) {
	v1 := r.Group("/v1")
	{
		v1.GET("/accounts/:id/balance", balanceHandler(svc))
		v1.GET("/accounts/:id/history", historyHandler(svc))
		v1.GET("/accounts/:id/deposit-info", depositInfoHandler(svc))
		v1.POST("/accounts/:id/withdrawals", withdrawHandler(svc))
		v1.POST("/accounts/:id/transfers", transferHandler(svc))
		v1.GET("/stats", statsHandler(svc))

		admin := v1.Group("/admin")
		{
			admin.GET("/deposits", listDepositsHandler(svc))
			admin.POST("/deposits/:txid/reassign", reassignHandler(svc))
			admin.GET("/locks", listLocksHandler(svc))
			admin.POST("/accounts/:id/adjust", adjustHandler(svc))
		}
	}
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lockmgr.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrExternalTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrDepositNotReassignable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func accountParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

func balanceHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountParam(c)
		if !ok {
			return
		}
		bal, err := svc.Balance(c, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func historyHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountParam(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		txs, err := svc.History(c, id, limit, offset)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func depositInfoHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountParam(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, svc.RequestDeposit(id))
	}
}

type withdrawReq struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func withdrawHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountParam(c)
		if !ok {
			return
		}
		var req withdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		res, err := svc.Withdraw(c, id, req.Address, amt)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type transferReq struct {
	ToID   string `json:"to_id" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func transferHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		fromID, ok := accountParam(c)
		if !ok {
			return
		}
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		toID, err := strconv.ParseInt(req.ToID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to_id"})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		fromBal, toBal, err := svc.Transfer(c, fromID, toID, amt)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"from_balance": fromBal, "to_balance": toBal})
	}
}

func statsHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.Stats(c)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func listDepositsHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		ds, err := svc.ListDeposits(c, c.Query("status"), limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ds)
	}
}

type reassignReq struct {
	AccountID int64 `json:"account_id" binding:"required"`
}

func reassignHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reassignReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.ReassignDeposit(c, c.Param("txid"), req.AccountID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reassigned": true})
	}
}

func listLocksHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		locks, err := svc.ListLocks(c)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, locks)
	}
}

type adjustReq struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func adjustHandler(svc *service.CustodyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountParam(c)
		if !ok {
			return
		}
		var req adjustReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		bal, err := svc.Adjust(c, id, amt, req.Description)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}
