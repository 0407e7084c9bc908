package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/communities"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleCreateEvent(c *gin.Context) {
	var request createEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.events.Create(c.Request.Context(), c.GetString(profileIDContextKey), events.NewEvent{
		Title:       request.Title,
		Description: request.Description,
		StartTime:   request.StartTime,
		EndTime:     request.EndTime,
	})
	if err != nil {
		h.abortWithError(c, "failed to create event", err)
		return
	}
	c.JSON(http.StatusCreated, newEventViewPayload(view))
}

func (h *httpHandler) handleGetEvent(c *gin.Context) {
	view, err := h.events.GetForProfile(c.Request.Context(), c.Param("id"), c.GetString(profileIDContextKey))
	if err != nil {
		h.abortWithError(c, "failed to load event", err)
		return
	}
	c.JSON(http.StatusOK, newEventViewPayload(view))
}

func (h *httpHandler) handleUpdateEvent(c *gin.Context) {
	var request updateEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.requireParticipant(c) {
		return
	}
	view, err := h.events.Update(c.Request.Context(), c.GetString(profileIDContextKey), c.Param("id"), events.Changes{
		Title:       request.Title,
		Description: request.Description,
		StartTime:   request.StartTime,
		EndTime:     request.EndTime,
	})
	if err != nil {
		h.abortWithError(c, "failed to update event", err)
		return
	}
	c.JSON(http.StatusOK, newEventViewPayload(view))
}

func (h *httpHandler) handleShareEvent(c *gin.Context) {
	var request shareEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.requireParticipant(c) {
		return
	}
	event, err := h.events.Share(c.Request.Context(), c.GetString(profileIDContextKey), c.Param("id"), events.ShareTargets{
		ProfileIDs: request.ProfileIDs,
		GroupIDs:   request.GroupIDs,
	})
	if err != nil {
		h.abortWithError(c, "failed to share event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": newEventPayload(event)})
}

func (h *httpHandler) handleOpenEvent(c *gin.Context) {
	view, err := h.events.OpenShared(c.Request.Context(), c.Param("id"), c.GetString(profileIDContextKey))
	if err != nil {
		h.abortWithError(c, "failed to open event", err)
		return
	}
	c.JSON(http.StatusOK, newEventViewPayload(view))
}

func (h *httpHandler) handleConfirmEvent(c *gin.Context) {
	event, err := h.events.Confirm(c.Request.Context(), c.Param("id"), c.GetString(profileIDContextKey))
	if err != nil {
		h.abortWithError(c, "failed to confirm event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": newEventPayload(event)})
}

func (h *httpHandler) handleDeclineEvent(c *gin.Context) {
	event, err := h.events.Decline(c.Request.Context(), c.Param("id"), c.GetString(profileIDContextKey))
	if err != nil {
		h.abortWithError(c, "failed to decline event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": newEventPayload(event)})
}

func (h *httpHandler) handleAddImages(c *gin.Context) {
	var request addImagesRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.requireParticipant(c) {
		return
	}
	details, err := h.events.AddImages(c.Request.Context(), c.GetString(profileIDContextKey), c.Param("id"), request.Count)
	if err != nil {
		h.abortWithError(c, "failed to add images", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_images": details.TotalImages})
}

// requireParticipant rejects edits from profiles without a join to the event.
func (h *httpHandler) requireParticipant(c *gin.Context) bool {
	if _, err := h.events.GetForProfile(c.Request.Context(), c.Param("id"), c.GetString(profileIDContextKey)); err != nil {
		h.abortWithError(c, "participation check failed", err)
		return false
	}
	return true
}

// handleListEvents lists events of the requested profiles, defaulting to the
// acting profile. Every listed profile must belong to the user.
func (h *httpHandler) handleListEvents(c *gin.Context) {
	profileIDs := c.QueryArray("profile")
	if len(profileIDs) == 0 {
		if header := strings.TrimSpace(c.GetHeader(ProfileHeader)); header != "" {
			profileIDs = []string{header}
		}
	}
	if len(profileIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile_required"})
		return
	}
	for _, profileID := range profileIDs {
		if err := h.profiles.Authorize(c.Request.Context(), c.GetString(userIDContextKey), profileID); err != nil {
			h.abortWithError(c, "profile authorization failed", err)
			return
		}
	}
	window, ok := parseWindow(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_time_window"})
		return
	}
	listings, err := h.events.ListForProfiles(c.Request.Context(), profileIDs, window)
	if err != nil {
		h.abortWithError(c, "failed to list events", err)
		return
	}
	response := make([]listingPayload, 0, len(listings))
	for _, listing := range listings {
		response = append(response, listingPayload{
			Event:         newEventPayload(listing.Event),
			Participation: newParticipationPayload(listing.ProfileEvent),
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

func parseWindow(c *gin.Context) (store.TimeWindow, bool) {
	var window store.TimeWindow
	for key, target := range map[string]*time.Time{"from": &window.From, "to": &window.To} {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.TimeWindow{}, false
		}
		*target = parsed
	}
	return window, true
}

func (h *httpHandler) handleCreateProfile(c *gin.Context) {
	var request profileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.profiles.Create(c.Request.Context(), c.GetString(userIDContextKey), request.Name)
	if err != nil {
		h.abortWithError(c, "failed to create profile", err)
		return
	}
	c.JSON(http.StatusCreated, profilePayload{ID: profile.ID, Name: profile.Name, UpdatedAt: profile.UpdatedAt})
}

func (h *httpHandler) handleRenameProfile(c *gin.Context) {
	var request profileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profileID := c.Param("id")
	if err := h.profiles.Authorize(c.Request.Context(), c.GetString(userIDContextKey), profileID); err != nil {
		h.abortWithError(c, "profile authorization failed", err)
		return
	}
	profile, err := h.profiles.Rename(c.Request.Context(), profileID, request.Name)
	if err != nil {
		h.abortWithError(c, "failed to rename profile", err)
		return
	}
	c.JSON(http.StatusOK, profilePayload{ID: profile.ID, Name: profile.Name, UpdatedAt: profile.UpdatedAt})
}

func (h *httpHandler) handleAddProfileUser(c *gin.Context) {
	var request profileUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profileID := c.Param("id")
	if err := h.profiles.Authorize(c.Request.Context(), c.GetString(userIDContextKey), profileID); err != nil {
		h.abortWithError(c, "profile authorization failed", err)
		return
	}
	receives := true
	if request.ReceivesNotifications != nil {
		receives = *request.ReceivesNotifications
	}
	if err := h.profiles.AddUser(c.Request.Context(), profileID, strings.TrimSpace(request.UserID), receives); err != nil {
		h.abortWithError(c, "failed to add profile user", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSetNotifications toggles notifications for the calling user only.
func (h *httpHandler) handleSetNotifications(c *gin.Context) {
	var request notificationsRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	profileID := c.Param("id")
	if err := h.profiles.Authorize(c.Request.Context(), userID, profileID); err != nil {
		h.abortWithError(c, "profile authorization failed", err)
		return
	}
	if err := h.profiles.SetReceivesNotifications(c.Request.Context(), profileID, userID, *request.Enabled); err != nil {
		h.abortWithError(c, "failed to update notification setting", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListCommunities(c *gin.Context) {
	rows, err := h.communities.ListForProfile(c.Request.Context(), c.GetString(profileIDContextKey))
	if err != nil {
		h.abortWithError(c, "failed to list communities", err)
		return
	}
	response := make([]communityListingPayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, newCommunityListingPayload(row))
	}
	c.JSON(http.StatusOK, gin.H{"communities": response})
}

func (h *httpHandler) handleCreateCommunity(c *gin.Context) {
	var request createCommunityRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.communities.Create(c.Request.Context(), c.GetString(profileIDContextKey), communities.NewCommunity{
		Name:       request.Name,
		Type:       store.CommunityType(strings.ToLower(strings.TrimSpace(request.Type))),
		ProfileIDs: request.ProfileIDs,
	})
	if err != nil {
		h.abortWithError(c, "failed to create community", err)
		return
	}
	c.JSON(http.StatusCreated, newCommunityPayload(created))
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	var request deviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.users.RegisterDevice(c.Request.Context(), c.GetString(userIDContextKey), request.Platform, request.Token); err != nil {
		h.abortWithError(c, "failed to register device", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveDevice(c *gin.Context) {
	if err := h.users.RemoveDevice(c.Request.Context(), c.GetString(userIDContextKey), c.Param("token")); err != nil {
		h.abortWithError(c, "failed to remove device", err)
		return
	}
	c.Status(http.StatusNoContent)
}
