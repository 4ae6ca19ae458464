package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/userdir/apiserver/internal/services"
	"github.com/userdir/apiserver/types"
)

// UserHandler provides HTTP handlers for profiles, the follow graph and
// nearby lookups.
type UserHandler struct {
	users     *services.UserService
	graph     *services.GraphService
	proximity *services.ProximityService
}

// NewUserHandler constructs a handler with the provided services.
func NewUserHandler(users *services.UserService, graph *services.GraphService, proximity *services.ProximityService) *UserHandler {
	return &UserHandler{
		users:     users,
		graph:     graph,
		proximity: proximity,
	}
}

// UserRouter registers user routes on the given router.
func UserRouter(
	r chi.Router,
	users *services.UserService,
	graph *services.GraphService,
	proximity *services.ProximityService,
) {
	handler := NewUserHandler(users, graph, proximity)

	r.Post("/", handler.CreateUser)
	r.Get("/", handler.ListUsers)
	r.Get("/username/{username}", handler.GetUserByUsername)
	r.Get("/{userID}", handler.GetUser)
	r.Patch("/{userID}", handler.UpdateUser)
	r.Delete("/{userID}", handler.DeleteUser)
	r.Patch("/{userID}/follow/{targetID}", handler.Follow)
	r.Patch("/{userID}/unfollow/{targetID}", handler.Unfollow)
	r.Get("/{userID}/followers", handler.Followers)
	r.Get("/{userID}/following", handler.Following)
	r.Get("/{username}/nearby-friends", handler.NearbyFriends)
}

// EdgeResponse reports the outcome of a follow or unfollow.
type EdgeResponse struct {
	Message string `json:"message"`
	Changed bool   `json:"changed"`
}

// NearbyFriend is a followed user together with its distance in meters.
type NearbyFriend struct {
	types.User
	Distance float64 `json:"distance"`
}

// NearbyResponse lists nearby followed users, nearest first.
type NearbyResponse struct {
	NearbyFriends []NearbyFriend `json:"nearby_friends"`
}

func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var input types.NewUser
	if !decodeJSON(w, r, &input) {
		return
	}

	created, err := h.users.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, err, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []types.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err, "failed to fetch user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUserByUsername(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeServiceError(w, err, "failed to fetch user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch types.UserPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	updated, err := h.users.Update(r.Context(), chi.URLParam(r, "userID"), patch)
	if err != nil {
		writeServiceError(w, err, "failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.users.Delete(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) Follow(w http.ResponseWriter, r *http.Request) {
	changed, err := h.graph.Follow(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "targetID"))
	if err != nil {
		writeServiceError(w, err, "failed to follow user")
		return
	}
	message := "followed"
	if !changed {
		message = "already following"
	}
	writeJSON(w, http.StatusOK, EdgeResponse{Message: message, Changed: changed})
}

func (h *UserHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	changed, err := h.graph.Unfollow(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "targetID"))
	if err != nil {
		writeServiceError(w, err, "failed to unfollow user")
		return
	}
	message := "unfollowed"
	if !changed {
		message = "not following"
	}
	writeJSON(w, http.StatusOK, EdgeResponse{Message: message, Changed: changed})
}

func (h *UserHandler) Followers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.graph.FollowersOf(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list followers")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"followers": ids})
}

func (h *UserHandler) Following(w http.ResponseWriter, r *http.Request) {
	ids, err := h.graph.FollowingOf(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list following")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"following": ids})
}

func (h *UserHandler) NearbyFriends(w http.ResponseWriter, r *http.Request) {
	distance, err := parseDistance(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "distance must be a non-negative number of meters")
		return
	}

	neighbors, err := h.proximity.Nearby(r.Context(), chi.URLParam(r, "username"), distance)
	if err != nil {
		writeServiceError(w, err, "failed to resolve nearby friends")
		return
	}

	resp := NearbyResponse{NearbyFriends: make([]NearbyFriend, 0, len(neighbors))}
	for _, n := range neighbors {
		resp.NearbyFriends = append(resp.NearbyFriends, NearbyFriend{User: n.User, Distance: n.Distance})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseDistance(r *http.Request) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("distance"))
	if raw == "" {
		return services.DefaultNearbyDistance, nil
	}
	// Range checks happen in the proximity service.
	return strconv.ParseFloat(raw, 64)
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
