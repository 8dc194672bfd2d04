package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/auth"
	"github.com/mbd888/guardian/internal/chain"
	"github.com/mbd888/guardian/internal/coordinator"
	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/logging"
	"github.com/mbd888/guardian/internal/metrics"
	"github.com/mbd888/guardian/internal/validation"
)

// rotationTimeout bounds the on-chain owner rotation after an execute.
const rotationTimeout = 2 * time.Minute

// Handler exposes the recovery coordinator over HTTP. Every route expects
// an authenticated signer (see auth.Middleware).
type Handler struct {
	svc      *coordinator.Service
	executor chain.Executor // nil disables on-chain rotation
	now      func() time.Time

	// owners proves the first owner claim of an account. Without it claims
	// are refused unless unverifiedClaims is set (development only).
	owners           chain.OwnerLookup
	unverifiedClaims bool
}

// NewHandler creates a handler. executor may be nil.
func NewHandler(svc *coordinator.Service, executor chain.Executor, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{svc: svc, executor: executor, now: now}
}

// RegisterRoutes mounts the account routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	a := r.Group("/accounts/:account")

	a.GET("/status", h.GetStatus)
	a.GET("/policy", h.GetPolicy)
	a.PUT("/policy", h.UpdatePolicy)
	a.POST("/owner", h.SetOwner)

	a.GET("/guardians", h.ListGuardians)
	a.POST("/guardians", h.AddGuardian)
	a.DELETE("/guardians/:address", h.RemoveGuardian)
	a.POST("/guardians/:address/verify", h.VerifyGuardian)
	a.POST("/guardians/:address/challenge", h.ReissueChallenge)
	a.POST("/guardians/:address/suspend", h.SuspendGuardian)
	a.POST("/guardians/:address/reinstate", h.ReinstateGuardian)

	a.GET("/passkeys", h.ListPasskeys)
	a.POST("/passkeys", h.AddPasskey)
	a.PATCH("/passkeys/:id", h.RenamePasskey)
	a.DELETE("/passkeys/:id", h.RemovePasskey)
	a.POST("/passkeys/:id/assert", h.AssertPasskey)

	a.POST("/recovery", h.InitiateRecovery)
	a.GET("/recovery/:id", h.GetRequest)
	a.POST("/recovery/:id/approve", h.ApproveRecovery)
	a.POST("/recovery/:id/execute", h.ExecuteRecovery)
	a.POST("/recovery/:id/cancel", h.CancelRecovery)
}

// -----------------------------------------------------------------------------
// Authorization
// -----------------------------------------------------------------------------

// account returns the normalized :account parameter.
func account(c *gin.Context) (string, bool) {
	acct, err := validation.NormalizeAddress(c.Param("account"))
	if err != nil {
		respondError(c, err)
		return "", false
	}
	return acct, true
}

func (h *Handler) forbid(c *gin.Context, op string, err *apperr.Error) {
	metrics.SecurityViolationsTotal.WithLabelValues(op, err.Code).Inc()
	logging.L(c.Request.Context()).Warn("security violation",
		"op", op,
		"account", c.Param("account"),
		"code", err.Code,
	)
	respondError(c, err)
}

// requireOwner checks that the signer owns the account.
func (h *Handler) requireOwner(c *gin.Context, op string) (string, bool) {
	acct, ok := account(c)
	if !ok {
		return "", false
	}
	owner, err := h.svc.Owner(c.Request.Context(), acct)
	if err != nil {
		respondError(c, err)
		return "", false
	}
	if owner == "" || !validation.SameAddress(owner, auth.GetSigner(c)) {
		h.forbid(c, op, apperr.ErrNotOwner)
		return "", false
	}
	return acct, true
}

// requireMember checks that the signer is the owner or an eligible guardian.
func (h *Handler) requireMember(c *gin.Context, op string) (string, bool) {
	acct, ok := account(c)
	if !ok {
		return "", false
	}
	ctx := c.Request.Context()
	signer := auth.GetSigner(c)
	owner, err := h.svc.Owner(ctx, acct)
	if err != nil {
		respondError(c, err)
		return "", false
	}
	if owner != "" && validation.SameAddress(owner, signer) {
		return acct, true
	}
	eligible, err := h.svc.IsEligibleSigner(ctx, acct, signer)
	if err != nil {
		respondError(c, err)
		return "", false
	}
	if !eligible {
		h.forbid(c, op, apperr.ErrIneligibleGuardian)
		return "", false
	}
	return acct, true
}

// -----------------------------------------------------------------------------
// Account
// -----------------------------------------------------------------------------

// GetStatus handles GET /v1/accounts/:account/status
func (h *Handler) GetStatus(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	view, err := h.svc.Status(c.Request.Context(), acct)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": newStatusView(view, h.now())})
}

// GetPolicy handles GET /v1/accounts/:account/policy
func (h *Handler) GetPolicy(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	p, err := h.svc.Policy(c.Request.Context(), acct)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": newPolicyView(p)})
}

// UpdatePolicy handles PUT /v1/accounts/:account/policy
func (h *Handler) UpdatePolicy(c *gin.Context) {
	acct, ok := h.requireOwner(c, "update_policy")
	if !ok {
		return
	}
	var req UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	p, err := h.svc.UpdatePolicy(c.Request.Context(), acct, req.toUpdate())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": newPolicyView(p)})
}

// SetOwner handles POST /v1/accounts/:account/owner
//
// The first claim on an account must be signed by the owner recorded in the
// wallet contract. After that only the stored owner may hand ownership
// over; recovery is the path for a lost key.
func (h *Handler) SetOwner(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	var req SetOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	newOwner, err := validation.NormalizeAddress(req.Owner)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	signer := auth.GetSigner(c)
	current, err := h.svc.Owner(ctx, acct)
	if err != nil {
		respondError(c, err)
		return
	}
	if current != "" {
		if !validation.SameAddress(current, signer) {
			h.forbid(c, "set_owner", apperr.ErrNotOwner)
			return
		}
	} else if !h.checkFirstClaim(c, acct, signer, newOwner) {
		return
	}

	if err := h.svc.SetOwner(ctx, acct, newOwner); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "owner": newOwner})
}

// checkFirstClaim authorizes claiming an account that has no stored owner.
// It writes the error response when the claim is refused.
func (h *Handler) checkFirstClaim(c *gin.Context, acct, signer, newOwner string) bool {
	if h.owners == nil {
		if h.unverifiedClaims && validation.SameAddress(signer, newOwner) {
			logging.L(c.Request.Context()).Warn("unverified owner claim accepted", "account", acct)
			return true
		}
		h.forbid(c, "set_owner", apperr.ErrOwnerUnverifiable)
		return false
	}

	onChain, err := h.owners.Owner(c.Request.Context(), acct)
	if err != nil {
		logging.L(c.Request.Context()).Warn("owner lookup failed", "account", acct, "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   apperr.ErrOwnerUnverifiable.Code,
			Message: "Could not read the wallet owner on chain",
		})
		return false
	}
	if !validation.SameAddress(onChain, signer) {
		h.forbid(c, "set_owner", apperr.ErrNotOwner)
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Guardians
// -----------------------------------------------------------------------------

// ListGuardians handles GET /v1/accounts/:account/guardians
func (h *Handler) ListGuardians(c *gin.Context) {
	acct, ok := h.requireMember(c, "list_guardians")
	if !ok {
		return
	}
	list, err := h.svc.ListGuardians(c.Request.Context(), acct)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guardians": list, "count": len(list)})
}

// AddGuardian handles POST /v1/accounts/:account/guardians
func (h *Handler) AddGuardian(c *gin.Context) {
	acct, ok := h.requireOwner(c, "add_guardian")
	if !ok {
		return
	}
	var req AddGuardianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.MaxLength("nickname", req.Nickname, validation.MaxLabelLength),
		validation.MaxLength("relationship", req.Relationship, validation.MaxLabelLength),
		validation.OneOf("method", string(req.Method),
			string(guardians.MethodEmail), string(guardians.MethodWalletSignature), string(guardians.MethodPhoneSMS)),
	); len(errs) > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:      "validation_error",
			Message:    "Invalid guardian",
			Violations: errs,
		})
		return
	}

	ch, err := h.svc.AddGuardian(c.Request.Context(), acct, guardians.Guardian{
		Address:      req.Address,
		Nickname:     validation.SanitizeString(req.Nickname, validation.MaxLabelLength),
		Relationship: validation.SanitizeString(req.Relationship, validation.MaxLabelLength),
		Method:       req.Method,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"challenge": newChallengeView(ch)})
}

// ReissueChallenge handles POST /v1/accounts/:account/guardians/:address/challenge
func (h *Handler) ReissueChallenge(c *gin.Context) {
	acct, ok := h.requireOwner(c, "reissue_challenge")
	if !ok {
		return
	}
	ch, err := h.svc.ReissueChallenge(c.Request.Context(), acct, c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": newChallengeView(ch)})
}

// VerifyGuardian handles POST /v1/accounts/:account/guardians/:address/verify
//
// The response itself (code or wallet signature) is the proof, so any
// signer may submit it.
func (h *Handler) VerifyGuardian(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	var req VerifyGuardianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	g, err := h.svc.VerifyGuardian(c.Request.Context(), acct, c.Param("address"), req.Response)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guardian": g})
}

// RemoveGuardian handles DELETE /v1/accounts/:account/guardians/:address
func (h *Handler) RemoveGuardian(c *gin.Context) {
	h.guardianAction(c, "remove_guardian", h.svc.RemoveGuardian)
}

// SuspendGuardian handles POST /v1/accounts/:account/guardians/:address/suspend
func (h *Handler) SuspendGuardian(c *gin.Context) {
	h.guardianAction(c, "suspend_guardian", h.svc.SuspendGuardian)
}

// ReinstateGuardian handles POST /v1/accounts/:account/guardians/:address/reinstate
func (h *Handler) ReinstateGuardian(c *gin.Context) {
	h.guardianAction(c, "reinstate_guardian", h.svc.ReinstateGuardian)
}

func (h *Handler) guardianAction(c *gin.Context, op string, fn func(ctx context.Context, account, address string) error) {
	acct, ok := h.requireOwner(c, op)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), acct, c.Param("address")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Passkeys
// -----------------------------------------------------------------------------

// ListPasskeys handles GET /v1/accounts/:account/passkeys
func (h *Handler) ListPasskeys(c *gin.Context) {
	acct, ok := h.requireOwner(c, "list_passkeys")
	if !ok {
		return
	}
	list, err := h.svc.ListPasskeys(c.Request.Context(), acct)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"passkeys": list, "count": len(list)})
}

// AddPasskey handles POST /v1/accounts/:account/passkeys
func (h *Handler) AddPasskey(c *gin.Context) {
	acct, ok := h.requireOwner(c, "add_passkey")
	if !ok {
		return
	}
	var req AddPasskeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	att, err := req.toAttestation()
	if err != nil {
		badRequest(c, "publicKey must be base64url")
		return
	}
	cred, err := h.svc.AddPasskey(c.Request.Context(), acct, att)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"passkey": cred})
}

// RenamePasskey handles PATCH /v1/accounts/:account/passkeys/:id
func (h *Handler) RenamePasskey(c *gin.Context) {
	acct, ok := h.requireOwner(c, "rename_passkey")
	if !ok {
		return
	}
	var req RenamePasskeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := h.svc.RenamePasskey(c.Request.Context(), acct, c.Param("id"), req.Name); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemovePasskey handles DELETE /v1/accounts/:account/passkeys/:id
func (h *Handler) RemovePasskey(c *gin.Context) {
	acct, ok := h.requireOwner(c, "remove_passkey")
	if !ok {
		return
	}
	if err := h.svc.RemovePasskey(c.Request.Context(), acct, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AssertPasskey handles POST /v1/accounts/:account/passkeys/:id/assert
//
// The assertion signature is the proof, so any signer may submit it.
func (h *Handler) AssertPasskey(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	var req AssertPasskeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	assertion, challenge, err := req.decode()
	if err != nil {
		badRequest(c, "assertion fields must be base64url")
		return
	}
	cred, err := h.svc.VerifyPasskey(c.Request.Context(), acct, c.Param("id"), assertion, challenge)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "passkey": cred})
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

// InitiateRecovery handles POST /v1/accounts/:account/recovery
func (h *Handler) InitiateRecovery(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	var req InitiateRecoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	r, err := h.svc.InitiateRecovery(c.Request.Context(), acct, auth.GetSigner(c), req.NewOwner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// GetRequest handles GET /v1/accounts/:account/recovery/:id
func (h *Handler) GetRequest(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	r, err := h.svc.GetRequest(c.Request.Context(), acct, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ApproveRecovery handles POST /v1/accounts/:account/recovery/:id/approve
func (h *Handler) ApproveRecovery(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	r, err := h.svc.ApproveRecovery(c.Request.Context(), acct, c.Param("id"), auth.GetSigner(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ExecuteRecovery handles POST /v1/accounts/:account/recovery/:id/execute
//
// Anyone may trigger execution once the quorum and delay are met. The
// stored owner changes first; the on-chain rotation follows, and a failure
// there is reported with 502 so the caller can retry the rotation out of
// band.
func (h *Handler) ExecuteRecovery(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	r, err := h.svc.ExecuteRecovery(c.Request.Context(), acct, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if h.executor == nil {
		metrics.OwnerRotationsTotal.WithLabelValues("skipped").Inc()
		c.JSON(http.StatusOK, gin.H{"request": r})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), rotationTimeout)
	defer cancel()
	receipt, err := h.executor.ExecuteOwnerRotation(ctx, r.Account, r.NewOwner)
	logger := logging.L(c.Request.Context())
	if err != nil {
		metrics.OwnerRotationsTotal.WithLabelValues("failed").Inc()
		logger.Error("owner rotation failed",
			"account", r.Account,
			"request_id", r.ID,
			"new_owner", r.NewOwner,
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "rotation_failed",
			"message": "Recovery executed but the on-chain owner rotation failed",
			"request": r,
		})
		return
	}
	metrics.OwnerRotationsTotal.WithLabelValues("ok").Inc()
	logger.Info("owner rotated",
		"account", r.Account,
		"request_id", r.ID,
		"tx_hash", receipt.TxHash,
	)
	c.JSON(http.StatusOK, gin.H{"request": r, "rotation": receipt})
}

// CancelRecovery handles POST /v1/accounts/:account/recovery/:id/cancel
func (h *Handler) CancelRecovery(c *gin.Context) {
	acct, ok := account(c)
	if !ok {
		return
	}
	r, err := h.svc.CancelRecovery(c.Request.Context(), acct, c.Param("id"), auth.GetSigner(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}
